package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// ReloadFunc receives every valid edit of a watched config file together with
// what changed relative to the previously applied config.
type ReloadFunc func(cfg *Config, d ConfigDiff)

// Watcher polls a config file and reports edits that still validate. Edits
// that fail to parse or validate are logged and skipped; the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	reload   ReloadFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileStamp
}

// fileStamp identifies one version of the file on disk. The modification
// time is a cheap pre-check; the digest decides.
type fileStamp struct {
	mtime  time.Time
	digest [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger used for reload and rejection messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and returns a watcher whose Current is that
// config. Polling starts with [Watcher.Run]. reload may be nil.
func NewWatcher(path string, reload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		reload:   reload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.log.Warn("config reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

// Check looks at the file once. It reports whether a new config was applied.
// A non-nil error means the file changed but could not be used.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if stamp.digest == w.seen.digest {
		w.seen = stamp
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current = cfg
	w.seen = stamp
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	// Outside the lock so the callback may call Current.
	if w.reload != nil {
		w.reload(cfg, d)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
