//go:build cuda

package device

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

func cudaDevices() ([]Device, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, n)
	for i := 0; i < n; i++ {
		d := cu.Device(i)
		name, err := d.Name()
		if err != nil {
			return nil, errors.Wrapf(err, "device %d name", i)
		}
		mem, err := d.TotalMem()
		if err != nil {
			return nil, errors.Wrapf(err, "device %d memory", i)
		}
		maj, _ := d.Attribute(cu.ComputeCapabilityMajor)
		min, _ := d.Attribute(cu.ComputeCapabilityMinor)
		devices = append(devices, Device{
			Kind:     CUDA,
			Index:    i,
			Name:     name,
			Memory:   uint64(mem),
			Features: []string{fmt.Sprintf("sm_%d%d", maj, min)},
		})
	}
	return devices, nil
}

