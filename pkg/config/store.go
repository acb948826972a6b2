package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Snapshot is an immutable view of the server configuration. Consumers
// take one at request start and keep it for the request lifetime; a
// reload installs a new snapshot without touching outstanding ones.
type Snapshot struct {
	Config     *ServerConfig
	LoadedAtMS int64
}

type Store struct {
	path    string
	current atomic.Pointer[Snapshot]
}

func NewStore(path string, cfg *ServerConfig) *Store {
	s := &Store{path: path}
	s.install(cfg)
	return s
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

func (s *Store) install(cfg *ServerConfig) {
	cfg.ApplyEnvOverrides()
	s.current.Store(&Snapshot{
		Config:     cfg,
		LoadedAtMS: time.Now().UnixMilli(),
	})
}

// Reload re-reads the config file and atomically swaps the snapshot.
// A parse or validation error leaves the previous snapshot in place.
func (s *Store) Reload() error {
	cfg, err := LoadServerConfig(s.path)
	if err != nil {
		return err
	}
	s.install(cfg)
	return nil
}

// Watch reloads the snapshot whenever the config file changes on disk.
// Editors replace files rather than rewriting them, so the watch is on
// the parent directory and filtered by name.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		// Debounce: editors emit several events per save.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			case <-pending:
				pending = nil
				if err := s.Reload(); err != nil {
					log.Warn("config reload failed; keeping previous snapshot", "err", err)
					continue
				}
				log.Info("config reloaded", "path", s.path)
			}
		}
	}()
	return nil
}
