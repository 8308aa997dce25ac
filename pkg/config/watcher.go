package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/stateful/pkg/telemetry"
)

// DefaultDebounce is the quiet period Watcher waits for before reporting.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to manifest and policy files. Bursts of events
// are coalesced into one callback after a quiet period.
type Watcher struct {
	paths    []string
	debounce time.Duration
	match    func(path string) bool
	logger   *telemetry.Logger
}

// NewWatcher watches paths, which may be files or directories. A zero
// debounce uses DefaultDebounce.
func NewWatcher(paths []string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		paths:    paths,
		debounce: debounce,
		match: func(path string) bool {
			return IsManifestFile(path) || strings.HasSuffix(path, ".rego")
		},
		logger: telemetry.NopLogger(),
	}
}

// Run blocks until ctx is done, calling onChange after each settled burst
// of changes. Calls to onChange never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, changed []string)) error {
	w.logger = telemetry.FromContext(ctx).NewComponentLogger("watcher")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	for _, path := range w.paths {
		if err := w.add(fsw, path); err != nil {
			return err
		}
	}
	w.logger.WithField("paths", len(w.paths)).Info("watching for changes")

	pending := make(map[string]bool)
	fire := make(chan struct{}, 1)
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(fsw, event.Name); err != nil {
						w.logger.WithError(err).Warn("failed to watch new directory")
					}
					continue
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.match(event.Name) {
				continue
			}

			w.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("file changed")

			pending[event.Name] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			pending = make(map[string]bool)
			sort.Strings(changed)
			onChange(ctx, changed)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("watcher error")
		}
	}
}

// add watches a file's directory or every directory below path. Editors
// often replace files by renaming, which drops a watch on the file itself.
func (w *Watcher) add(fsw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		if err := fsw.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}
