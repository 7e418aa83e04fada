package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every config that loaded and validated successfully
// after a file change. It runs on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify events give
// fast reaction for editors and atomic renames; a content-hash poll covers
// Kubernetes ConfigMap volumes, whose "..data" symlink swap is often
// invisible to inotify.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher returns an idle watcher for path. Call Start to begin.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileState is the last observed identity of the config file.
type fileState struct {
	dataLink string
	hash     string
	target   string
}

func (fs *fileState) capture(path string) {
	fs.hash = hashFile(path)
	fs.target = readlink(fs.dataLink)
}

// changed reports whether the "..data" link moved or the content hash differs.
func (fs *fileState) changed(path string) bool {
	if t := readlink(fs.dataLink); t != "" && t != fs.target {
		return true
	}
	return hashFile(path) != fs.hash
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	state := &fileState{dataLink: filepath.Join(w.dir, "..data")}
	state.capture(w.path)

	var timer *time.Timer
	var fire <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
			// Atomic save-and-rename drops the old inode from the watch list.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}

		case <-fire:
			fire = nil
			w.reload()
			state.capture(w.path)

		case <-poll.C:
			if state.changed(w.path) {
				state.capture(w.path)
				w.logger.Debug("config change detected by poll", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reload keeps the running config when the new file fails to load.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop ends Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 of the resolved file content, or "" when
// the file cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
