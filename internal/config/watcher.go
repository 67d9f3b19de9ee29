package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file for changes using fsnotify and calls a
// callback when the file is modified and reparses successfully.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period that must follow the last relevant
// event before a reload runs, coalescing the burst of Write events many
// editors emit for a single save.
// The default is 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts watching the file's parent directory in a
// background goroutine (watching the directory, not the file, survives
// editors that replace the file via rename-on-save).
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := loadAndHash(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch dir %q: %w", filepath.Dir(path), err)
	}
	w.fsw = fsw

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

// run drains fsnotify events for the config file's directory, debouncing
// bursts: each relevant event restarts the timer, and the reload runs once
// the debounce period passes with no further event.
func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher: fsnotify error", "err", err)
		}
	}
}

// reload reparses the config file and, if valid and changed, invokes
// onChange with the old and new configs. A file touched without content
// change is a no-op. On parse or validation failure, the previous config is
// kept and the failure is logged.
func (w *Watcher) reload() {
	cfg, hash, err := loadAndHash(w.path)
	if err != nil {
		slog.Warn("config watcher: failed to reload config, keeping previous", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash reads, hashes, and parses the config file at path.
func loadAndHash(path string) (*Config, [sha256.Size]byte, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(path)
	if err != nil {
		return nil, zeroHash, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, err
	}
	hash := sha256.Sum256(data)

	cfg, err := LoadFromReader(bytesReader(data))
	if err != nil {
		return nil, zeroHash, err
	}
	return cfg, hash, nil
}

// bytesReader wraps a byte slice in a minimal io.Reader.
type bytesReaderImpl struct {
	data []byte
	pos  int
}

func bytesReader(b []byte) io.Reader {
	return &bytesReaderImpl{data: b}
}

func (r *bytesReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
