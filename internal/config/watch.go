package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager reloads the configuration when its file changes on disk and
// fans the new value out to registered handlers. Only tunables read
// through a handler pick up changes; components that copied values at
// construction keep them until restart.
type Manager struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool
}

// NewManager loads path once and prepares the watcher. The initial load
// must succeed; later reloads that fail validation keep the old value.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	return &Manager{
		path:    path,
		logger:  logger,
		current: cfg,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// Current returns the latest valid configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked with each new valid configuration.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Start begins watching. Editors and config maps replace files instead of
// writing in place, so the file's directory is watched and events are
// filtered by name.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	go m.watchLoop()
	m.logger.Info("Configuration watch started", zap.String("path", m.path))
	return nil
}

// Stop ends the watch.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) watchLoop() {
	base := filepath.Base(m.path)
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Configuration watch error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFile(m.path)
	if err != nil {
		m.logger.Error("Configuration reload failed, keeping previous", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		m.logger.Error("Configuration rejected, keeping previous", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	handlers := append(([]func(*Config))(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	for _, fn := range handlers {
		fn(cfg)
	}
}
