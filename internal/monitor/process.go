package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sentinel-av/sentinel/internal/logger"
)

const defaultProcessPollInterval = 2 * time.Second

// ProcessWatcher polls the process table and emits ProcessStart events for
// new PIDs and ProcessExit events for vanished ones. The first poll only
// records a baseline.
type ProcessWatcher struct {
	interval time.Duration
	listPIDs func(ctx context.Context) ([]int32, error)
	exePath  func(ctx context.Context, pid int32) (string, error)
	log      logger.Logger
	now      func() time.Time
}

// NewProcessWatcher creates a watcher polling every interval.
func NewProcessWatcher(interval time.Duration) *ProcessWatcher {
	if interval <= 0 {
		interval = defaultProcessPollInterval
	}
	return &ProcessWatcher{
		interval: interval,
		listPIDs: process.PidsWithContext,
		exePath:  processExe,
		log:      GetLogger().With(logger.String("source", "process")),
		now:      time.Now,
	}
}

func processExe(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.ExeWithContext(ctx)
}

// Name implements Source.
func (w *ProcessWatcher) Name() string { return "process" }

// Run implements Source.
func (w *ProcessWatcher) Run(ctx context.Context, emit func(Event)) error {
	known, err := w.snapshot(ctx)
	if err != nil {
		return err
	}
	w.log.Info("process watcher started",
		logger.Int("processes", len(known)),
		logger.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, err := w.snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Warn("failed to list processes", logger.Error(err))
				continue
			}
			w.diff(ctx, known, current, emit)
			known = current
		}
	}
}

func (w *ProcessWatcher) snapshot(ctx context.Context) (map[int32]struct{}, error) {
	pids, err := w.listPIDs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		set[pid] = struct{}{}
	}
	return set, nil
}

func (w *ProcessWatcher) diff(ctx context.Context, before, after map[int32]struct{}, emit func(Event)) {
	now := w.now()
	for pid := range after {
		if _, ok := before[pid]; ok {
			continue
		}
		exe, err := w.exePath(ctx, pid)
		if err != nil {
			// short-lived or inaccessible; still reported so behavior can attach
			w.log.Debug("cannot resolve process image", logger.Int("pid", int(pid)), logger.Error(err))
		}
		emit(Event{Path: exe, PID: pid, Kind: KindProcessStart, Timestamp: now})
	}
	for pid := range before {
		if _, ok := after[pid]; !ok {
			emit(Event{PID: pid, Kind: KindProcessExit, Timestamp: now})
		}
	}
}
