package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// burstSource emits a fixed list of events once and then idles.
type burstSource struct {
	events []Event
	done   chan struct{}
	once   sync.Once
}

func newBurstSource(events ...Event) *burstSource {
	return &burstSource{events: events, done: make(chan struct{})}
}

func (b *burstSource) Name() string { return "burst" }

func (b *burstSource) Run(ctx context.Context, emit func(Event)) error {
	b.once.Do(func() {
		for _, ev := range b.events {
			emit(ev)
		}
		close(b.done)
	})
	<-ctx.Done()
	return nil
}

func startMonitor(t *testing.T, cfg Config, sources ...Source) *Monitor {
	t.Helper()
	m := New(cfg, sources...)
	require.NoError(t, m.Start(t.Context()))
	t.Cleanup(m.Stop)
	return m
}

// collect reads events until n have arrived or the deadline passes.
func collect(t *testing.T, ch <-chan Event, n int, timeout time.Duration) []Event {
	t.Helper()
	return testutil.Collect(ch, n, timeout)
}

func fileEvent(path string, kind EventKind) Event {
	return Event{Path: path, Kind: kind}
}

func TestMonitorCoalescesBurstPerPath(t *testing.T) {
	t.Parallel()

	var events []Event
	events = append(events, fileEvent("/a", KindCreated))
	for range 49 {
		events = append(events, fileEvent("/a", KindModified))
	}
	events = append(events, fileEvent("/b", KindModified))
	src := newBurstSource(events...)

	m := startMonitor(t, Config{CoalesceWindow: 200 * time.Millisecond, QueueSize: 16}, src)
	<-src.done

	got := collect(t, m.Subscribe(), 2, 2*time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "/a", got[0].Path)
	assert.Equal(t, KindCreated, got[0].Kind, "creation survives following writes")
	assert.Equal(t, "/b", got[1].Path)

	extra := collect(t, m.Subscribe(), 1, 300*time.Millisecond)
	assert.Empty(t, extra)
	assert.Equal(t, uint64(49), m.Pressure().Coalesced)
}

func TestMonitorPreservesPerPathOrder(t *testing.T) {
	t.Parallel()

	hooks := NewHookSource()
	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 16}, hooks)

	require.True(t, hooks.ReportFile("/x", KindCreated))
	got := collect(t, m.Subscribe(), 1, time.Second)
	require.Len(t, got, 1)

	require.True(t, hooks.ReportFile("/x", KindDeleted))
	got = append(got, collect(t, m.Subscribe(), 1, time.Second)...)
	require.Len(t, got, 2)

	assert.Equal(t, KindCreated, got[0].Kind)
	assert.Equal(t, KindDeleted, got[1].Kind)
}

func TestMonitorNeverDropsFirstSeenPaths(t *testing.T) {
	t.Parallel()

	const paths = 500
	events := make([]Event, 0, paths*2)
	for i := range paths {
		events = append(events, fileEvent(fmt.Sprintf("/p/%d", i), KindCreated))
	}
	// repeats of paths that are already pending
	for i := range paths {
		events = append(events, fileEvent(fmt.Sprintf("/p/%d", i), KindModified))
	}
	src := newBurstSource(events...)
	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 4}, src)
	<-src.done

	seen := make(map[string]bool)
	total := 0
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-m.Subscribe():
				seen[ev.Path] = true
				total++
			default:
				p := m.Pressure()
				return len(seen) == paths && p.Pending == 0 &&
					uint64(total)+p.Dropped+p.Coalesced == uint64(len(events))
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, seen, paths)
}

func TestMonitorDropsDuplicatesUnderBackPressure(t *testing.T) {
	t.Parallel()

	const n = 100
	events := make([]Event, n)
	for i := range events {
		events[i] = fileEvent("/hot", KindModified)
	}
	src := newBurstSource(events...)
	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 1}, src)
	<-src.done

	p := m.Pressure()
	assert.Positive(t, p.Dropped+p.Coalesced)

	delivered := 0
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-m.Subscribe():
				assert.Equal(t, "/hot", ev.Path)
				delivered++
			default:
				p := m.Pressure()
				return p.Pending == 0 && uint64(delivered)+p.Dropped+p.Coalesced == n
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, delivered, 3)
	assert.Positive(t, m.Pressure().Dropped)
}

func TestMonitorPressureLevels(t *testing.T) {
	t.Parallel()

	m := New(Config{QueueSize: 4})
	assert.Equal(t, PressureNormal, m.Pressure().Level)

	m.out <- Event{}
	m.out <- Event{}
	assert.Equal(t, PressureElevated, m.Pressure().Level)

	m.out <- Event{}
	m.out <- Event{}
	assert.Equal(t, PressureSaturated, m.Pressure().Level)
	assert.Equal(t, 4, m.Pressure().Queued)
}

func TestMonitorCoalescesProcessOperations(t *testing.T) {
	t.Parallel()

	src := newBurstSource(
		Event{PID: 42, Path: "/bin/evil", Kind: KindProcessStart},
		Event{PID: 42, Kind: KindProcessOperation, Op: "OpenProcess"},
		Event{PID: 42, Kind: KindProcessOperation, Op: "VirtualAllocEx"},
		Event{PID: 42, Kind: KindProcessOperation, Op: "WriteProcessMemory"},
	)
	m := startMonitor(t, Config{CoalesceWindow: 200 * time.Millisecond, QueueSize: 8}, src)
	<-src.done

	got := collect(t, m.Subscribe(), 1, 2*time.Second)
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, KindProcessStart, ev.Kind)
	assert.Equal(t, "/bin/evil", ev.Path)
	assert.Equal(t, []string{"OpenProcess", "VirtualAllocEx", "WriteProcessMemory"}, ev.Operations())
	assert.Equal(t, "WriteProcessMemory", ev.Op)

	target := ev.Target()
	assert.Equal(t, detector.KindProcess, target.Kind)
	assert.Equal(t, int32(42), target.PID)
}

func TestMonitorRestartKeepsStream(t *testing.T) {
	t.Parallel()

	hooks := NewHookSource()
	m := New(Config{CoalesceWindow: 0, QueueSize: 8}, hooks)
	stream := m.Subscribe()

	require.NoError(t, m.Start(t.Context()))
	require.Error(t, m.Start(t.Context()), "double start")
	require.True(t, hooks.ReportFile("/one", KindCreated))
	require.Len(t, collect(t, stream, 1, time.Second), 1)
	m.Stop()

	// reported while stopped, delivered after restart
	require.True(t, hooks.ReportFile("/two", KindCreated))
	require.NoError(t, m.Start(t.Context()))
	defer m.Stop()

	got := collect(t, stream, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "/two", got[0].Path)
}

type flakySource struct {
	mu    sync.Mutex
	runs  int
	first chan struct{}
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Run(ctx context.Context, emit func(Event)) error {
	f.mu.Lock()
	f.runs++
	runs := f.runs
	f.mu.Unlock()
	if runs == 1 {
		return fmt.Errorf("boom")
	}
	emit(fileEvent("/recovered", KindCreated))
	<-ctx.Done()
	return nil
}

func TestMonitorRestartsFailedSource(t *testing.T) {
	t.Parallel()

	src := &flakySource{}
	m := startMonitor(t, Config{QueueSize: 4, RestartDelay: 10 * time.Millisecond}, src)

	got := collect(t, m.Subscribe(), 1, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "/recovered", got[0].Path)
}

func TestHookSourceKeepsFirstSeenPathAfterFlood(t *testing.T) {
	t.Parallel()

	h := NewHookSource()
	require.True(t, h.ReportOperation(7, "/bin/hot", "write-memory"))
	for range 999 {
		assert.False(t, h.ReportOperation(7, "/bin/hot", "write-memory"))
	}
	require.True(t, h.ReportFile("/fresh", KindCreated), "a new path is never refused")
	assert.Equal(t, uint64(999), h.Merged())
	assert.Equal(t, 2, h.Pending())

	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 1}, h)
	got := collect(t, m.Subscribe(), 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, int32(7), got[0].PID)
	assert.Equal(t, KindProcessOperation, got[0].Kind)
	assert.NotEmpty(t, got[0].Operations())
	assert.Equal(t, "/fresh", got[1].Path)
	assert.Zero(t, h.Pending())
}

func TestHookSourceDeliversEveryPathToSlowSubscriber(t *testing.T) {
	t.Parallel()

	const paths = 300
	h := NewHookSource()
	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 2}, h)

	for i := range paths {
		require.True(t, h.ReportFile(fmt.Sprintf("/p/%d", i), KindCreated))
	}

	seen := make(map[string]bool)
	for _, ev := range collect(t, m.Subscribe(), paths, 5*time.Second) {
		seen[ev.Path] = true
	}
	assert.Len(t, seen, paths)
}

func TestFSWatcherReportsFileActivity(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "node_modules"), 0o755))

	w := NewFSWatcher([]string{root}, true, WithSkipDirs("node_modules"))
	m := startMonitor(t, Config{CoalesceWindow: 20 * time.Millisecond, QueueSize: 64}, w)

	// give the watcher time to register the tree
	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(100 * time.Millisecond)

	target := filepath.Join(sub, "payload.bin")
	require.NoError(t, os.WriteFile(target, []byte("data"), 0o644))

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-m.Subscribe():
				if ev.Path == target && (ev.Kind == KindCreated || ev.Kind == KindModified) {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFSWatcherSkipsExcludedTrees(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	vault := filepath.Join(root, "vault")
	require.NoError(t, os.Mkdir(vault, 0o700))

	w := NewFSWatcher([]string{root}, true, WithExcludedPaths(vault))
	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 64}, w)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(vault, "x.blob"), []byte("x"), 0o600))
	visible := filepath.Join(root, "visible.txt")
	require.NoError(t, os.WriteFile(visible, []byte("y"), 0o644))

	var paths []string
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-m.Subscribe():
				paths = append(paths, ev.Path)
			default:
				for _, p := range paths {
					if p == visible {
						return true
					}
				}
				return false
			}
		}
	}, 3*time.Second, 20*time.Millisecond)

	for _, p := range paths {
		assert.NotContains(t, p, vault)
	}
}

func TestProcessWatcherReportsStartsAndExits(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		polls = [][]int32{{1, 2}, {1, 2, 3}, {1, 3}}
		call  int
	)
	w := NewProcessWatcher(10 * time.Millisecond)
	w.listPIDs = func(context.Context) ([]int32, error) {
		mu.Lock()
		defer mu.Unlock()
		pids := polls[min(call, len(polls)-1)]
		call++
		return pids, nil
	}
	w.exePath = func(_ context.Context, pid int32) (string, error) {
		return fmt.Sprintf("/bin/proc%d", pid), nil
	}

	m := startMonitor(t, Config{CoalesceWindow: 0, QueueSize: 8}, w)

	got := collect(t, m.Subscribe(), 2, 2*time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, KindProcessStart, got[0].Kind)
	assert.Equal(t, int32(3), got[0].PID)
	assert.Equal(t, "/bin/proc3", got[0].Path)
	assert.Equal(t, KindProcessExit, got[1].Kind)
	assert.Equal(t, int32(2), got[1].PID)
}

func TestEventMerge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		first EventKind
		later EventKind
		want  EventKind
	}{
		{"create then write", KindCreated, KindModified, KindCreated},
		{"write then delete", KindModified, KindDeleted, KindDeleted},
		{"delete then create", KindDeleted, KindCreated, KindModified},
		{"write then write", KindModified, KindModified, KindModified},
		{"start then exit", KindProcessStart, KindProcessExit, KindProcessExit},
		{"start then operation", KindProcessStart, KindProcessOperation, KindProcessStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := Event{Path: "/p", PID: 7, Kind: tt.first}
			ev.merge(Event{Path: "/p", PID: 7, Kind: tt.later})
			assert.Equal(t, tt.want, ev.Kind)
		})
	}
}

func TestGopsutilSampler(t *testing.T) {
	t.Parallel()

	s, err := NewGopsutilSampler()
	require.NoError(t, err)

	u, err := s.Sample(t.Context())
	require.NoError(t, err)
	assert.Positive(t, u.ProcessRSSMB)
	assert.Positive(t, u.MemoryMB)
	assert.GreaterOrEqual(t, u.CPUPercent, 0.0)
	assert.False(t, u.SampledAt.IsZero())
}
