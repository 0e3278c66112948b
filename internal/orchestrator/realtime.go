package orchestrator

import (
	"context"
	"time"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/monitor"
)

const pressurePollInterval = time.Second

// EventStream is the coalesced event feed consumed by RunRealtime.
type EventStream interface {
	Subscribe() <-chan monitor.Event
	Pressure() monitor.PressureSignal
}

// RunRealtime feeds monitor events into the realtime lane until ctx ends or
// the orchestrator stops. Deleted files are ignored; process operations are
// recorded in the behavioral window before the process is classified.
func (o *Orchestrator) RunRealtime(ctx context.Context, stream EventStream) error {
	if !o.running() {
		return ErrNotRunning
	}

	events := stream.Subscribe()
	ticker := time.NewTicker(pressurePollInterval)
	defer ticker.Stop()

	var lastLevel monitor.PressureLevel
	var lastDropped uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
			p := stream.Pressure()
			if p.Dropped > lastDropped {
				o.metrics.AddEventsDropped(p.Dropped - lastDropped)
				lastDropped = p.Dropped
			}
			if p.Level != lastLevel {
				o.log.Info("event stream pressure changed",
					logger.String("from", lastLevel.String()),
					logger.String("to", p.Level.String()),
					logger.Int("queued", p.Queued),
					logger.Int("pending", p.Pending),
					logger.Uint64("dropped", p.Dropped))
				lastLevel = p.Level
			}
			rtDepth, schedDepth := o.pool.depth()
			o.metrics.SetQueueDepth(laneRealtime.String(), rtDepth)
			o.metrics.SetQueueDepth(laneScheduled.String(), schedDepth)
		case ev := <-events:
			if err := o.admitEvent(ctx, ev); err != nil {
				if ctx.Err() != nil || o.ctx.Err() != nil {
					return nil
				}
				o.log.Warn("failed to admit event",
					logger.String("path", ev.Path),
					logger.String("kind", ev.Kind.String()),
					logger.Error(err))
			}
		}
	}
}

func (o *Orchestrator) admitEvent(ctx context.Context, ev monitor.Event) error {
	if ev.Kind.IsProcess() {
		for _, op := range ev.Operations() {
			o.det.ObserveOperation(ev.PID, op)
		}
	}

	t := &task{target: ev.Target(), lane: laneRealtime, queuedAt: o.now()}
	switch ev.Kind {
	case monitor.KindDeleted:
		return nil
	case monitor.KindProcessExit:
		if len(ev.Operations()) == 0 {
			o.det.ProcessExited(ev.PID)
			return nil
		}
		// operations seen just before exit are still judged
		t.exited = true
	}
	if t.target.Kind == detector.KindFile && o.skipExtension(t.target.Path) {
		return nil
	}

	rt, ok := o.reserveRealtime()
	if !ok {
		return ErrNotRunning
	}
	t.session = rt
	return o.pool.submit(ctx, t)
}
