// Package config loads and hot-reloads an EngineConfig from a TOML
// file, in the same style go-ethereum's node configuration loading
// uses: github.com/naoina/toml for decoding and github.com/fsnotify/fsnotify
// for watching the file for changes.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/naoina/toml"
)

// EngineConfig is the subset of store.Config that is meaningfully
// expressible as static, hot-reloadable data; collaborator values
// (MemoryCache, SoT, Fetcher, Converter, clients) are wired by the
// caller in code and are not part of this file.
type EngineConfig struct {
	Memory struct {
		Capacity int
		TTL      Duration
	}
	Fetch struct {
		WorkerPoolSize int
		KeyMutexCap    int
	}
	Backoff struct {
		Enabled bool
		Base    Duration
		Max     Duration
	}
	Freshness struct {
		DefaultTTL                        Duration
		ConditionalRefreshOnCachedOrFetch bool
	}
}

// Duration wraps time.Duration so naoina/toml can decode the "5s"-style
// strings the rest of go-ethereum's configuration files use, rather
// than raw nanosecond integers.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalTOML(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func Default() EngineConfig {
	var cfg EngineConfig
	cfg.Memory.Capacity = 10_000
	cfg.Memory.TTL = Duration{5 * time.Minute}
	cfg.Fetch.WorkerPoolSize = 32
	cfg.Fetch.KeyMutexCap = 1000
	cfg.Backoff.Enabled = true
	cfg.Backoff.Base = Duration{time.Second}
	cfg.Backoff.Max = Duration{2 * time.Minute}
	cfg.Freshness.DefaultTTL = Duration{time.Minute}
	return cfg
}

// Load reads and decodes path, starting from Default() so a partial
// file only overrides what it specifies.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher reloads EngineConfig from path whenever the file changes on
// disk, handing each successfully-decoded version to onChange. Decode
// errors are dropped with onError rather than tearing down the watch,
// so a momentarily-invalid save never stops future reloads. The watch
// is on the file itself, not its directory: a save that replaces the
// file by renaming another one over it ends the watch.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	current  EngineConfig
	stopOnce sync.Once
	done     chan struct{}
}

func NewWatcher(path string, onChange func(EngineConfig), onError func(error)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, current: cfg, done: make(chan struct{})}
	go w.loop(onChange, onError)
	return w, nil
}

func (w *Watcher) loop(onChange func(EngineConfig), onError func(error)) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) Current() EngineConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.done) })
	return w.watcher.Close()
}
