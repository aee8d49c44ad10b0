package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher watches a configuration file and delivers reloaded
// configs to callbacks. Reloads are debounced; a file that fails to
// parse keeps the previous configuration in effect.
type ConfigWatcher struct {
	logger    *zap.Logger
	path      string
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	mu        sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	debounce time.Duration
	timer    *time.Timer
}

// NewConfigWatcher creates a new configuration watcher.
func NewConfigWatcher(logger *zap.Logger, configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ConfigWatcher{
		logger:    logger.Named("config"),
		path:      configPath,
		watcher:   watcher,
		callbacks: make([]func(*Config), 0),
		ctx:       ctx,
		cancel:    cancel,
		debounce:  time.Second,
	}, nil
}

// Start begins watching the configuration file.
func (cw *ConfigWatcher) Start(onChange func(*Config)) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}

	if onChange != nil {
		cw.callbacks = append(cw.callbacks, onChange)
	}

	if err := cw.watcher.Add(cw.path); err != nil {
		return fmt.Errorf("failed to watch file %s: %w", cw.path, err)
	}

	// Watch the directory too: editors typically replace the file.
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		cw.logger.Warn("Failed to watch directory",
			zap.String("dir", dir),
			zap.Error(err),
		)
	}

	cw.running = true
	go cw.handleEvents()

	cw.logger.Info("Configuration watcher started",
		zap.String("path", cw.path),
	)
	return nil
}

// Stop stops the configuration watcher.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return
	}

	cw.cancel()
	cw.watcher.Close()
	cw.running = false

	if cw.timer != nil {
		cw.timer.Stop()
	}

	cw.logger.Info("Configuration watcher stopped")
}

// AddCallback registers another reload callback.
func (cw *ConfigWatcher) AddCallback(callback func(*Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// SetDebounce sets the debounce period for configuration changes.
func (cw *ConfigWatcher) SetDebounce(duration time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = duration
}

// IsRunning returns whether the watcher is running.
func (cw *ConfigWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *ConfigWatcher) handleEvents() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				if filepath.Dir(event.Name) != filepath.Dir(cw.path) {
					continue
				}
			}

			switch {
			case event.Op&fsnotify.Write == fsnotify.Write:
				cw.logger.Debug("Config file modified",
					zap.String("path", event.Name),
				)
				cw.scheduleReload()

			case event.Op&fsnotify.Create == fsnotify.Create:
				if filepath.Clean(event.Name) == filepath.Clean(cw.path) {
					cw.logger.Debug("Config file created",
						zap.String("path", event.Name),
					)
					cw.watcher.Add(cw.path)
					cw.scheduleReload()
				}

			case event.Op&fsnotify.Remove == fsnotify.Remove:
				if filepath.Clean(event.Name) == filepath.Clean(cw.path) {
					cw.logger.Warn("Config file removed",
						zap.String("path", event.Name),
					)
				}

			case event.Op&fsnotify.Rename == fsnotify.Rename:
				if filepath.Clean(event.Name) == filepath.Clean(cw.path) {
					cw.logger.Debug("Config file renamed",
						zap.String("path", event.Name),
					)
					go func() {
						time.Sleep(100 * time.Millisecond)
						cw.watcher.Add(cw.path)
					}()
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("File watcher error", zap.Error(err))

		case <-cw.ctx.Done():
			return
		}
	}
}

// scheduleReload debounces file events into a single reload.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}

	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

// reload parses the file and fans the result out to callbacks.
func (cw *ConfigWatcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Error("Config reload failed, keeping previous configuration",
			zap.String("path", cw.path),
			zap.Error(err),
		)
		return
	}

	cw.mu.Lock()
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded",
		zap.String("path", cw.path),
	)
	for _, callback := range callbacks {
		callback(cfg)
	}
}
