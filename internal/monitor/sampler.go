package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sentinel-av/sentinel/internal/errors"
)

const bytesPerMB = 1024 * 1024

// Usage is one resource sample.
type Usage struct {
	CPUPercent       float64   `json:"cpuPercent"`       // this process, share of total machine capacity
	SystemCPUPercent float64   `json:"systemCpuPercent"` // whole machine
	MemoryMB         float64   `json:"memoryMb"`         // machine memory in use
	MemoryPercent    float64   `json:"memoryPercent"`
	ProcessRSSMB     float64   `json:"processRssMb"`
	SampledAt        time.Time `json:"sampledAt"`
}

// ResourceSampler reports current resource usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SamplerFunc adapts a function to ResourceSampler.
type SamplerFunc func(ctx context.Context) (Usage, error)

// Sample implements ResourceSampler.
func (f SamplerFunc) Sample(ctx context.Context) (Usage, error) { return f(ctx) }

// GopsutilSampler samples machine and own-process usage with gopsutil.
// CPU figures are measured since the previous call, so the first sample
// reads zero.
type GopsutilSampler struct {
	mu   sync.Mutex
	self *process.Process
	cpus float64
}

// NewGopsutilSampler creates a sampler for the current process.
func NewGopsutilSampler() (*GopsutilSampler, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.New(err).
			Component("monitor").
			Category(errors.CategorySystem).
			Context("operation", "open-self-process").
			Build()
	}
	s := &GopsutilSampler{self: self, cpus: float64(runtime.NumCPU())}
	// prime the per-process and system CPU counters
	_, _ = self.Percent(0)
	_, _ = cpu.Percent(0, false)
	return s, nil
}

// Sample implements ResourceSampler.
func (s *GopsutilSampler) Sample(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{SampledAt: time.Now()}

	// Get CPU usage percentage with 0 interval for instant reading
	sys, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, sampleError(err, "cpu")
	}
	if len(sys) > 0 {
		u.SystemCPUPercent = sys[0]
	}

	own, err := s.self.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, sampleError(err, "process-cpu")
	}
	if s.cpus > 0 {
		u.CPUPercent = own / s.cpus
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, sampleError(err, "memory")
	}
	u.MemoryMB = float64(vm.Used) / bytesPerMB
	u.MemoryPercent = vm.UsedPercent

	info, err := s.self.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, sampleError(err, "process-memory")
	}
	u.ProcessRSSMB = float64(info.RSS) / bytesPerMB

	return u, nil
}

func sampleError(err error, resource string) error {
	return errors.New(err).
		Component("monitor").
		Category(errors.CategorySystem).
		Context("operation", "sample").
		Context("resource", resource).
		Build()
}
