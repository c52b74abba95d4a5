package engine

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Describe reports the host CPU the engine runs on
func Describe() string {
	var simd []string
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"SSE4.2", cpuid.SSE42},
		{"AVX", cpuid.AVX},
		{"AVX2", cpuid.AVX2},
		{"FMA3", cpuid.FMA3},
		{"AVX512F", cpuid.AVX512F},
		{"ASIMD", cpuid.ASIMD},
	} {
		if cpuid.CPU.Supports(f.id) {
			simd = append(simd, f.name)
		}
	}
	if len(simd) == 0 {
		simd = append(simd, "none")
	}

	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = cpuid.CPU.VendorString
	}
	return fmt.Sprintf("%s, %d physical / %d logical cores, SIMD: %s",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(simd, " "))
}
