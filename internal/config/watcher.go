// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// HOT RELOAD WATCHER
// =============================================================================

// ReloadFunc is called with the freshly loaded configuration after a
// successful reload. Subscribers must be safe for concurrent invocation.
type ReloadFunc func(*Config)

// Watcher watches the configuration file and pushes validated reloads to
// subscribers. Keyword sets and agent bindings take effect for new
// classifications without restarting the engine; a reload that fails to
// parse or validate is logged and the previous configuration stays active.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	cfg  *Config
	subs []ReloadFunc

	done chan struct{}
}

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 250 * time.Millisecond

// NewWatcher creates a watcher for path with cfg as the active config.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		// The file may not exist yet; watch its directory instead so the
		// first write is still observed.
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		watcher: fw,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Subscribe registers fn to be called on every successful reload.
func (w *Watcher) Subscribe(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("CONFIG: reload rejected, keeping %s: %v", w.Current().Version, err)
		return
	}

	w.mu.Lock()
	prev := w.cfg.Version
	w.cfg = cfg
	subs := make([]ReloadFunc, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	log.Printf("CONFIG: reloaded %s -> %s", prev, cfg.Version)
	for _, fn := range subs {
		fn(cfg)
	}
}
