package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file (and any files it $includes at the time of
// the last successful load) for changes, re-validates them, and invokes
// onChange with the freshly decoded Config. Decode failures are logged and
// the previous, still-valid Config stays in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}
	debounce time.Duration
}

// WatchFile starts watching path (and its current $include targets) and
// calls onChange whenever a reload produces a valid Config. The returned
// Watcher must be closed with Close when no longer needed.
func WatchFile(path string, logger *slog.Logger, onChange func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, logger: logger, fsw: fsw, done: make(chan struct{}), debounce: 200 * time.Millisecond}
	if err := w.addWatchTargets(); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) addWatchTargets() error {
	if err := w.fsw.Add(w.path); err != nil {
		return err
	}
	// Parse the top-level file alone: LoadRaw strips the include keys while
	// merging, so its result no longer names the included files.
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil // best effort: an unreadable include list just means fewer watch targets
	}
	raw, err := parseRawBytes([]byte(os.ExpandEnv(string(data))), w.path)
	if err != nil {
		return nil
	}
	for _, inc := range includePathsOf(raw) {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(w.path), inc)
		}
		_ = w.fsw.Add(inc)
	}
	return nil
}

func includePathsOf(raw map[string]any) []string {
	var paths []string
	for _, key := range []string{includeKey, "include"} {
		val, ok := raw[key]
		if !ok {
			continue
		}
		switch typed := val.(type) {
		case string:
			paths = append(paths, typed)
		case []any:
			for _, entry := range typed {
				if s, ok := entry.(string); ok {
					paths = append(paths, s)
				}
			}
		}
	}
	return paths
}

func (w *Watcher) loop(onChange func(Config)) {
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error("config reload failed, keeping previous configuration", "path", w.path, "error", err)
			return
		}
		w.logger.Info("config reloaded", "path", w.path)
		onChange(cfg)
	}

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
