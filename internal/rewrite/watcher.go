package rewrite

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 100 * time.Millisecond

// ChangeFunc receives the HTML files touched during one debounce window.
type ChangeFunc func(ctx context.Context, paths []string)

// Watcher reports new or modified HTML files anywhere under a directory,
// coalescing bursts of events. It stands in for observing DOM mutations.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange ChangeFunc
	fsw      *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher starts watching dir and every directory below it immediately;
// events that happen before Run
// is called are delivered once it runs.
func NewWatcher(dir string, debounce time.Duration, onChange ChangeFunc, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		logger:   logger,
	}
	if _, err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches root and its subdirectories. It returns the HTML files
// already present, which a directory created after startup may hold before
// its watch is in place.
func (w *Watcher) addTree(root string) ([]string, error) {
	var existing []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if IsHTML(path) {
			existing = append(existing, path)
		}
		return nil
	})
	return existing, err
}

// Run delivers changes until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			var changed []string
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if !ev.Has(fsnotify.Create) {
					continue
				}
				found, err := w.addTree(ev.Name)
				if err != nil {
					w.logger.Warn("failed to watch new directory", zap.String("dir", ev.Name), zap.Error(err))
				}
				changed = found
			} else if IsHTML(ev.Name) {
				changed = []string{ev.Name}
			}
			if len(changed) == 0 {
				continue
			}
			for _, p := range changed {
				pending[p] = struct{}{}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.String("dir", w.dir), zap.Error(err))

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			w.logger.Debug("html files changed", zap.Strings("paths", paths))
			w.onChange(ctx, paths)
		}
	}
}
