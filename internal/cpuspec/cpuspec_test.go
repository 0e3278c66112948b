package cpuspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanWorkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec Spec
		want int
	}{
		{name: "large host is capped", spec: Spec{PhysicalCores: 16, LogicalCores: 32, Available: 32}, want: MaxScanWorkers},
		{name: "hyperthreads are not counted", spec: Spec{PhysicalCores: 2, LogicalCores: 4, Available: 4}, want: 2},
		{name: "affinity limits below physical", spec: Spec{PhysicalCores: 8, LogicalCores: 16, Available: 3}, want: 3},
		{name: "unknown topology uses available", spec: Spec{Available: 3}, want: 3},
		{name: "never zero", spec: Spec{}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.spec.ScanWorkers())
		})
	}
}

func TestDetect(t *testing.T) {
	t.Parallel()

	s := Detect()
	assert.Positive(t, s.Available)
	assert.GreaterOrEqual(t, s.ScanWorkers(), 1)
	assert.LessOrEqual(t, s.ScanWorkers(), MaxScanWorkers)
}
