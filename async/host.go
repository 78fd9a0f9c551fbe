package async

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// HostInfo summarizes the CPU the replicas run on.
type HostInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	CacheLine     int
	AVX2          bool
	AVX512        bool
	FMA           bool
}

// DescribeHost probes the local CPU.
func DescribeHost() HostInfo {
	return HostInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		CacheLine:     cpuid.CPU.CacheLine,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
		FMA:           cpuid.CPU.Supports(cpuid.FMA3),
	}
}

func (h HostInfo) String() string {
	return fmt.Sprintf("%s (%d physical / %d logical cores, avx2=%v avx512=%v fma=%v)",
		h.Brand, h.PhysicalCores, h.LogicalCores, h.AVX2, h.AVX512, h.FMA)
}

// DefaultPrefetch picks a prefetch depth for the host. cpuid reports zero
// cores on platforms it cannot probe, so fall back to the Go runtime.
func DefaultPrefetch() int {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	switch {
	case cores >= 16:
		return 4
	case cores >= 4:
		return 3
	default:
		return 2
	}
}
