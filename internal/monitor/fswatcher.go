package monitor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/logger"
)

// FSWatcher emits file events for the watched directories using fsnotify.
type FSWatcher struct {
	paths     []string
	recursive bool
	skipDirs  []string
	excluded  []string
	log       logger.Logger
	now       func() time.Time
}

// FSWatcherOption configures an FSWatcher.
type FSWatcherOption func(*FSWatcher)

// WithSkipDirs skips directories with any of the given base names.
func WithSkipDirs(names ...string) FSWatcherOption {
	return func(w *FSWatcher) { w.skipDirs = append(w.skipDirs, names...) }
}

// WithExcludedPaths never watches the given trees, such as the quarantine vault.
func WithExcludedPaths(paths ...string) FSWatcherOption {
	return func(w *FSWatcher) {
		for _, p := range paths {
			if p != "" {
				w.excluded = append(w.excluded, resolvePath(p))
			}
		}
	}
}

// NewFSWatcher creates a watcher over paths.
func NewFSWatcher(paths []string, recursive bool, opts ...FSWatcherOption) *FSWatcher {
	w := &FSWatcher{
		paths:     deduplicatePaths(paths),
		recursive: recursive,
		log:       GetLogger().With(logger.String("source", "fs")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name implements Source.
func (w *FSWatcher) Name() string { return "fs" }

// Run implements Source.
func (w *FSWatcher) Run(ctx context.Context, emit func(Event)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(err).
			Component("monitor").
			Category(errors.CategorySystem).
			Context("operation", "create-watcher").
			Build()
	}
	defer watcher.Close()

	watched := 0
	for _, root := range w.paths {
		n, err := w.addTree(watcher, root)
		if err != nil {
			w.log.Warn("cannot watch path", logger.String("path", root), logger.Error(err))
			continue
		}
		watched += n
	}
	if watched == 0 && len(w.paths) > 0 {
		return errors.Newf("none of %d configured paths could be watched", len(w.paths)).
			Component("monitor").
			Category(errors.CategoryConfiguration).
			Context("paths", w.paths).
			Build()
	}
	w.log.Info("file system watcher started",
		logger.Int("roots", len(w.paths)),
		logger.Int("directories", watched),
		logger.Bool("recursive", w.recursive))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(watcher, ev, emit)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("kernel event queue overflowed, events were lost", logger.Error(err))
				continue
			}
			w.log.Error("watcher error", logger.Error(err))
		}
	}
}

func (w *FSWatcher) handle(watcher *fsnotify.Watcher, ev fsnotify.Event, emit func(Event)) {
	if w.isExcluded(ev.Name) {
		return
	}
	now := w.now()

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err == nil && info.IsDir() {
			if w.recursive && !w.skipDir(ev.Name) {
				if _, err := w.addTree(watcher, ev.Name); err != nil {
					w.log.Debug("cannot watch new directory", logger.String("path", ev.Name), logger.Error(err))
				}
				// files written before the watch was added
				w.emitExisting(ev.Name, emit)
			}
			return
		}
		emit(Event{Path: ev.Name, Kind: KindCreated, Timestamp: now})
	case ev.Has(fsnotify.Write):
		emit(Event{Path: ev.Name, Kind: KindModified, Timestamp: now})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		emit(Event{Path: ev.Name, Kind: KindDeleted, Timestamp: now})
	}
}

// addTree watches root and, when recursive, every directory below it.
func (w *FSWatcher) addTree(watcher *fsnotify.Watcher, root string) (int, error) {
	if !w.recursive {
		if err := watcher.Add(root); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(path) {
			return filepath.SkipDir
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			w.log.Debug("cannot watch directory", logger.String("path", path), logger.Error(err))
			return nil
		}
		count++
		return nil
	})
	return count, err
}

func (w *FSWatcher) emitExisting(dir string, emit func(Event)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			emit(Event{Path: path, Kind: KindCreated, Timestamp: w.now()})
		}
		return nil
	})
}

func (w *FSWatcher) skipDir(path string) bool {
	return slices.Contains(w.skipDirs, filepath.Base(path))
}

func (w *FSWatcher) isExcluded(path string) bool {
	for _, ex := range w.excluded {
		if isWithin(ex, path) {
			return true
		}
	}
	return false
}
