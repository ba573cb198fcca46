package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/charla-ai/charla/internal/logger"
)

// Store holds the live configuration and supports hot reload of the
// dynamic knobs (allowed origins, reply delay, log level). Static knobs
// such as the listen address or the signing secret require a restart.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	path      string
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	stopOnce  sync.Once
}

// NewStore wraps an already loaded configuration. path may be empty when
// the configuration did not come from a file; Watch is then a no-op.
func NewStore(cfg *Config, path string) *Store {
	return &Store{
		cfg:       cfg,
		path:      path,
		stopWatch: make(chan struct{}),
	}
}

// Get returns the current configuration. Callers must treat it as
// read-only.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// AllowedOrigins returns a copy of the current origin allowlist.
func (s *Store) AllowedOrigins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.AllowedOrigins...)
}

// ReplyDelay returns the current canned responder delay.
func (s *Store) ReplyDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ReplyDelay()
}

// Reload re-reads the config file and swaps in the dynamic fields.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	fresh, err := Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg.AllowedOrigins = fresh.AllowedOrigins
	s.cfg.Reply.DelayMillis = fresh.Reply.DelayMillis
	s.cfg.LogLevel = fresh.LogLevel
	s.mu.Unlock()

	logger.Global().SetLevel(logger.ParseLevel(fresh.LogLevel))
	logger.Info("Configuration reloaded from %s", s.path)
	return nil
}

// Watch reloads the configuration whenever the file changes. It returns
// once Close is called. Watching a missing or unwatchable file degrades to
// a warning, never an error.
func (s *Store) Watch() {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("failed to create config watcher: %v", err)
		return
	}
	s.watcher = watcher

	if err := watcher.Add(s.path); err != nil {
		logger.Warn("failed to watch config file %s: %v", s.path, err)
		_ = watcher.Close()
		return
	}

	for {
		select {
		case <-s.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				logger.Warn("config reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopWatch) })
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
