// Package cpuspec sizes CPU bound work from the host processor.
package cpuspec

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// MaxScanWorkers caps the default scan pool. More workers than this mostly
// contend for disk rather than speed up hashing.
const MaxScanWorkers = 4

// Spec describes the host processor.
type Spec struct {
	BrandName     string
	PhysicalCores int
	LogicalCores  int
	// Available is runtime.NumCPU, which honours affinity masks and is what
	// the process may actually use inside a VM or container.
	Available int
	// SHA256 and AES report hardware acceleration for content hashing and
	// vault encryption.
	SHA256 bool
	AES    bool
}

// Detect reads the processor description.
func Detect() Spec {
	return Spec{
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Available:     runtime.NumCPU(),
		SHA256:        cpuid.CPU.Supports(cpuid.SHA) || cpuid.CPU.Supports(cpuid.SHA2),
		AES:           cpuid.CPU.Supports(cpuid.AESNI) || cpuid.CPU.Supports(cpuid.AESARM),
	}
}

// ScanWorkers is the default scan pool size: physical cores when known,
// never more than the process may use, capped at MaxScanWorkers.
func (s Spec) ScanWorkers() int {
	n := s.Available
	if s.PhysicalCores > 0 && s.PhysicalCores < n {
		n = s.PhysicalCores
	}
	return max(1, min(n, MaxScanWorkers))
}
