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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileStamp is the cheap part of change detection. Only a differing stamp
// makes the watcher read and hash the file.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{size: fi.Size(), modTime: fi.ModTime()}
}

// Watcher reloads a config file while a device runs. A rewritten file is
// parsed and validated before onChange sees it; a file that fails either
// step is reported to the error handler and the previous config stays
// current. Rewriting identical content is not a change.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler receives every rejected reload. The default logs a warning.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.onError = fn
		}
	}
}

// NewWatcher loads path once and returns a watcher holding it. Polling starts
// with [Watcher.Run]. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		onError: func(err error) {
			slog.Warn("config: reload rejected, keeping current config", "path", path, "err", err)
		},
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the last config that passed validation.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.Check()
		}
	}
}

// Check runs one poll cycle and reports whether a new config was installed.
func (w *Watcher) Check() bool {
	fi, err := os.Stat(w.path)
	if err != nil {
		w.onError(err)
		return false
	}
	w.mu.Lock()
	unchanged := stampOf(fi) == w.stamp
	w.mu.Unlock()
	if unchanged {
		return false
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		w.onError(err)
		// Remember the stamp so a broken file is reported once, not every tick.
		w.mu.Lock()
		w.stamp = stampOf(fi)
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileStamp{}, sum, err
	}
	sum = sha256.Sum256(buf.Bytes())

	cfg, err := LoadFromReader(&buf)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	return cfg, stampOf(fi), sum, nil
}
