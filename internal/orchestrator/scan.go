package orchestrator

import (
	"context"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sentinel-av/sentinel/internal/detector"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// runSession walks the roots of a scheduled or manual session, admitting
// every regular file, then waits for classification and containment to
// finish.
func (o *Orchestrator) runSession(s *session) {
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(maxTraversalRoots)
	for _, root := range s.roots {
		g.Go(func() error { return o.walk(ctx, s, root) })
	}
	walkErr := g.Wait()

	if s.ctx.Err() != nil {
		o.pool.sweep(s.lane())
	}
	s.pending.Wait()

	final := StateCompleted
	if s.ctx.Err() != nil {
		final = StateAborted
	} else if walkErr != nil {
		s.setError(walkErr)
	}
	s.finish(final, o.now())
	s.cancel()

	snap := s.snapshot(o.now())
	o.log.Info("scan session finished",
		logger.String("session_id", s.id),
		logger.String("state", snap.State.String()),
		logger.Int64("files", snap.Stats.FilesScanned),
		logger.Int64("infected", snap.Stats.Infected),
		logger.Int64("suspicious", snap.Stats.Suspicious),
		logger.Int64("quarantined", snap.Stats.Quarantined),
		logger.Int64("skipped", snap.Stats.Skipped),
		logger.Int64("errors", snap.Stats.Errors),
		logger.Duration("elapsed", snap.Stats.Elapsed),
		logger.Float64("files_per_second", snap.Stats.FilesPerSecond))
}

// walk traverses one root. Unreadable entries are counted and skipped; only
// cancellation stops the walk.
func (o *Orchestrator) walk(ctx context.Context, s *session, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				// one missing root does not stop the others
				rerr := errors.New(err).
					Component("orchestrator").
					Category(errors.CategoryFileIO).
					Context("root", root).
					Build()
				s.setError(rerr)
				o.log.Warn("scan root unreadable", logger.String("root", root), logger.Error(rerr))
				return fs.SkipAll
			}
			s.stats.skipped.Add(1)
			o.log.Debug("skipping unreadable entry", logger.String("path", path), logger.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && o.skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || o.skipExtension(path) {
			s.stats.skipped.Add(1)
			return nil
		}

		target := detector.ScanTarget{Path: path, Kind: detector.KindFile}
		if info, ierr := d.Info(); ierr == nil {
			target.SizeBytes = info.Size()
			if o.cfg.MaxFileSize > 0 && info.Size() > o.cfg.MaxFileSize {
				target.HashOnly = true
			}
		}
		return o.admitScheduled(ctx, s, target)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// admitScheduled queues one scheduled target, pacing admission while the
// throttle is active.
func (o *Orchestrator) admitScheduled(ctx context.Context, s *session, target detector.ScanTarget) error {
	if o.throttled.Load() && o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	s.pending.Add(1)
	t := &task{target: target, session: s, lane: s.lane(), queuedAt: o.now()}
	return o.pool.submit(ctx, t)
}

func (o *Orchestrator) skipDir(name string) bool {
	return slices.Contains(o.cfg.SkipDirs, name)
}

func (o *Orchestrator) skipExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext != "" && slices.Contains(o.cfg.SkipExtensions, ext)
}
