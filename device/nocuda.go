//go:build !cuda

package device

func cudaDevices() ([]Device, error) {
	return nil, nil
}
