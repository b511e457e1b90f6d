// Package device discovers the compute lanes a training run can fan out over.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Kind identifies the type of a compute device
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Device is one data-parallel lane
type Device struct {
	Kind     Kind
	Index    int
	Name     string
	Memory   uint64 // bytes, 0 when unknown
	Features []string
}

func (d Device) String() string {
	s := fmt.Sprintf("%s:%d %s", d.Kind, d.Index, d.Name)
	if d.Memory > 0 {
		s += " (" + humanize.IBytes(d.Memory) + ")"
	}
	return s
}

// simdFeatures are reported for host lanes when supported
var simdFeatures = []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F}

// HostLanes returns one CPU device per physical core
func HostLanes() []Device {
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = runtime.GOARCH
	}
	var features []string
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	lanes := make([]Device, cores)
	for i := range lanes {
		lanes[i] = Device{Kind: CPU, Index: i, Name: name, Features: features}
	}
	return lanes
}

// Discover lists CUDA devices (when built with the cuda tag) followed by
// the host CPU lanes.
func Discover() ([]Device, error) {
	gpus, err := cudaDevices()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate CUDA devices")
	}
	devices := append(gpus, HostLanes()...)
	if len(devices) == 0 {
		return nil, errors.New("no compute devices found")
	}
	return devices, nil
}

// Lanes selects the devices the CPU training engine executes on, capped at
// limit when limit > 0.
func Lanes(devices []Device, limit int) ([]Device, error) {
	var lanes []Device
	for _, d := range devices {
		if d.Kind == CPU {
			lanes = append(lanes, d)
		}
	}
	if len(lanes) == 0 {
		return nil, errors.New("no host lanes available")
	}
	if limit > 0 && limit < len(lanes) {
		lanes = lanes[:limit]
	}
	return lanes, nil
}
