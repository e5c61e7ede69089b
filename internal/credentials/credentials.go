// Package credentials stores translation provider credentials in a JSON
// file that is reloaded whenever it changes on disk.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileStore maps provider names to credentials. Entries in the file take
// priority over the fallback values passed to New.
type FileStore struct {
	path     string
	fallback map[string]string
	log      zerolog.Logger

	mu    sync.RWMutex
	creds map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// New creates a FileStore. An empty path keeps credentials in memory only.
// A missing file is not an error.
func New(path string, fallback map[string]string, log zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		fallback: make(map[string]string),
		creds:    make(map[string]string),
		log:      log.With().Str("component", "credentials").Logger(),
	}
	for k, v := range fallback {
		if v = strings.TrimSpace(v); v != "" {
			s.fallback[k] = v
		}
	}
	if path != "" {
		if err := s.reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Credential returns the credential for provider, or "" when none is set.
func (s *FileStore) Credential(provider string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := s.creds[provider]; v != "" {
		return v
	}
	return s.fallback[provider]
}

// Has reports whether a credential exists for provider.
func (s *FileStore) Has(provider string) bool {
	return s.Credential(provider) != ""
}

// Set stores a credential and writes the file.
func (s *FileStore) Set(provider, value string) error {
	value = strings.TrimSpace(value)
	if provider == "" || value == "" {
		return errors.New("provider and credential are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := copyMap(s.creds)
	next[provider] = value
	if err := s.write(next); err != nil {
		return err
	}
	s.creds = next
	return nil
}

// Delete removes the stored credential for provider. The fallback value,
// if any, becomes visible again.
func (s *FileStore) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[provider]; !ok {
		return nil
	}
	next := copyMap(s.creds)
	delete(next, provider)
	if err := s.write(next); err != nil {
		return err
	}
	s.creds = next
	return nil
}

// Watch reloads the file when it is modified. It watches the parent
// directory so that editors replacing the file are picked up.
func (s *FileStore) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watchLoop()
	s.log.Info().Str("path", s.path).Msg("watching credential file")
	return nil
}

// Close stops watching.
func (s *FileStore) Close() {
	if s.watcher == nil {
		return
	}
	s.watcher.Close()
	<-s.done
	s.debounceMu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceMu.Unlock()
}

func (s *FileStore) watchLoop() {
	defer close(s.done)
	name := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleReload coalesces bursts of events from a single save.
func (s *FileStore) scheduleReload() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Reset(100 * time.Millisecond)
		return
	}
	s.debounce = time.AfterFunc(100*time.Millisecond, func() {
		s.debounceMu.Lock()
		s.debounce = nil
		s.debounceMu.Unlock()
		if err := s.reload(); err != nil {
			s.log.Warn().Err(err).Msg("credential reload failed, keeping previous values")
			return
		}
		s.log.Info().Msg("credentials reloaded")
	})
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.creds = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	creds := make(map[string]string)
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &creds); err != nil {
			return fmt.Errorf("parse credentials %s: %w", s.path, err)
		}
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// write replaces the file atomically. Caller holds s.mu.
func (s *FileStore) write(creds map[string]string) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
