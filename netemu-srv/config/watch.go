package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of events editors emit on save.
const debounceDelay = 200 * time.Millisecond

// Watcher reloads a configuration file whenever it changes on disk and
// hands successfully loaded configurations to a callback.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Watch starts watching configPath. The directory is watched rather than
// the file so atomic rename-on-save keeps working.
func Watch(configPath string, onChange func(*Config)) (*Watcher, error) {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(cleanPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:     cleanPath,
		onChange: onChange,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	timer := time.NewTimer(debounceDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(debounceDelay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watcher error: %v", err)
		case <-timer.C:
			w.reload()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		logger.Error("Config reload failed (keeping current config): %v", err)
		return
	}
	logger.Info("Reloaded configuration from %s", w.path)
	w.onChange(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
