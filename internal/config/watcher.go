package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the YAML file when it changes and hands the new policy
// section to subscribers. Other sections need a restart.
type Watcher struct {
	path string
	log  *zap.Logger

	mu       sync.RWMutex
	current  File
	onPolicy []func(File)
}

func NewWatcher(path string, initial File, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{path: path, current: initial, log: log}
}

func (w *Watcher) Current() File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnPolicy registers fn to run after every successful reload.
func (w *Watcher) OnPolicy(fn func(File)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onPolicy = append(w.onPolicy, fn)
}

// Watch follows the file's directory, so editors that replace the file on
// save are picked up. Call stop to end watching.
func (w *Watcher) Watch() (stop func(), err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer fw.Close()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if _, err := w.Reload(); err != nil {
						w.log.Warn("config reload failed, keeping previous policy", zap.Error(err))
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.log.Warn("config watcher", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}, nil
}

// Reload re-reads the file now.
func (w *Watcher) Reload() (File, error) {
	f, err := LoadFile(w.path)
	if err != nil {
		return File{}, err
	}
	w.mu.Lock()
	w.current = f
	callbacks := make([]func(File), len(w.onPolicy))
	copy(callbacks, w.onPolicy)
	w.mu.Unlock()

	w.log.Info("config reloaded", zap.String("path", w.path), zap.Int("blocked_pubkeys", len(f.Policy.BlockedPubkeys)))
	for _, fn := range callbacks {
		fn(f)
	}
	return f, nil
}
