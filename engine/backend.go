package engine

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-morph/tensor"
)

// Backend is the compute target resolved once per process and passed to
// every component that runs tensor kernels.
type Backend struct {
	Device  tensor.DeviceType
	Workers int
	CPU     string
	Vector  []string // SIMD extensions reported by the processor
}

// DetectBackend inspects the host processor. Workers is the logical core
// count, falling back to runtime.NumCPU when cpuid cannot report it.
func DetectBackend() Backend {
	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var vector []string
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"avx2", cpuid.AVX2},
		{"fma3", cpuid.FMA3},
		{"avx512f", cpuid.AVX512F},
		{"asimd", cpuid.ASIMD},
	} {
		if cpuid.CPU.Supports(f.id) {
			vector = append(vector, f.name)
		}
	}

	return Backend{
		Device:  tensor.CPU,
		Workers: workers,
		CPU:     strings.TrimSpace(cpuid.CPU.BrandName),
		Vector:  vector,
	}
}

// NewBackend builds a backend from a device name. workers <= 0 keeps the
// detected worker count.
func NewBackend(device string, workers int) (Backend, error) {
	dev, err := tensor.ParseDevice(device)
	if err != nil {
		return Backend{}, err
	}
	b := DetectBackend()
	b.Device = dev
	if workers > 0 {
		b.Workers = workers
	}
	return b, nil
}

func (b Backend) String() string {
	name := b.CPU
	if name == "" {
		name = "unknown cpu"
	}
	vec := "none"
	if len(b.Vector) > 0 {
		vec = strings.Join(b.Vector, ",")
	}
	return fmt.Sprintf("%s (%s, %d workers, simd: %s)", b.Device, name, b.Workers, vec)
}
