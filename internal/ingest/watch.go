package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces editor write bursts into one re-ingestion.
const debounceWindow = 500 * time.Millisecond

// Watch re-ingests files as they change until ctx is cancelled. It
// watches every non-skipped directory under the root (fsnotify is not
// recursive) and picks up directories created while watching.
func (ing *Ingestor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addDirs(watcher, ing.root); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(debounceWindow)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ing.handleEvent(ctx, watcher, event, pending)
			if len(pending) > 0 {
				timer.Reset(debounceWindow)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ing.logger.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			for path := range pending {
				delete(pending, path)
				if _, err := ing.IngestFile(ctx, path); err != nil {
					ing.logger.Warn("re-ingestion failed",
						zap.String("path", path), zap.Error(err))
				} else {
					ing.logger.Info("re-ingested", zap.String("path", path))
				}
			}
		}
	}
}

func (ing *Ingestor) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event, pending map[string]struct{}) {
	name := filepath.Base(event.Name)
	if skipDirs[name] || strings.HasPrefix(name, ".") && name != "." {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		delete(pending, event.Name)
		if err := ing.Remove(ctx, event.Name); err != nil {
			ing.logger.Warn("index cleanup failed",
				zap.String("path", event.Name), zap.Error(err))
		}

	case event.Op.Has(fsnotify.Create):
		// New directories need their own watch; new files get indexed.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addDirs(watcher, event.Name); err != nil {
				ing.logger.Warn("watch add failed",
					zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
		fallthrough

	case event.Op.Has(fsnotify.Write):
		if ingestibleExts[strings.ToLower(filepath.Ext(event.Name))] {
			pending[event.Name] = struct{}{}
		}
	}
}

// addDirs registers root and every non-skipped subdirectory with the
// watcher. Returns an error if root is not a directory.
func addDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
