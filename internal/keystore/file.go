package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a file key store:
//
//	orgs:
//	  org-1:
//	    google: AIza...
//	    openai: sk-...
type fileDocument struct {
	Orgs map[string]map[string]string `yaml:"orgs"`
}

// FileStore serves provider keys from a YAML file. With watching enabled the
// file is re-read whenever it changes; a file that fails to parse leaves the
// previous keys in place.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	orgs map[string]Keys

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileStore loads path and optionally watches it for changes.
func NewFileStore(path string, watch bool, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   filepath.Clean(path),
		logger: logger.With("component", "keystore_file"),
		done:   make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		return nil, err
	}
	s.warnPermissions()

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("keystore: create file watcher: %w", err)
		}
		// Watch the directory: editors and secret mounts replace files by rename.
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("keystore: watch %s: %w", filepath.Dir(s.path), err)
		}
		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop()
	}

	s.logger.Info("file key store loaded", "path", s.path, "watch", watch)
	return s, nil
}

// Lookup returns a copy of the keys for orgID.
func (s *FileStore) Lookup(_ context.Context, orgID string) (Keys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Keys{}
	for p, k := range s.orgs[orgID] {
		out[p] = k
	}
	return out, nil
}

// Close stops watching the file.
func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return err
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("keystore: read %s: %w", s.path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("keystore: parse %s: %w", s.path, err)
	}

	orgs := make(map[string]Keys, len(doc.Orgs))
	for org, entries := range doc.Orgs {
		keys := Keys{}
		for name, key := range entries {
			p, err := ParseProvider(name)
			if err != nil {
				return fmt.Errorf("keystore: %s: org %q: %w", s.path, org, err)
			}
			if key != "" {
				keys[p] = key
			}
		}
		orgs[org] = keys
	}

	s.mu.Lock()
	s.orgs = orgs
	s.mu.Unlock()
	return nil
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Error("reload key file; keeping previous keys", "err", err)
				continue
			}
			s.logger.Info("key file reloaded", "path", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("key file watcher", "err", err)
		}
	}
}

// warnPermissions logs when the key file is readable by group or others.
func (s *FileStore) warnPermissions() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		s.logger.Warn("key file is readable by group/others; consider chmod 600",
			"path", s.path,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
