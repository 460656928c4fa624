// Package configstore reads and replaces the proxy's YAML configuration file
// and derives per-provider credential status from it.
package configstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loykin/cliproxyctl/internal/provider"
)

var (
	ErrNotFound = errors.New("config file not found")
	ErrIO       = errors.New("config file I/O error")
)

// Store guards a single config file. Content is treated as opaque text.
type Store struct {
	path string
	log  *slog.Logger
	mu   sync.RWMutex
}

func New(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log.With("component", "configstore")}
}

func (s *Store) Path() string { return s.path }

// Read returns the whole document.
func (s *Store) Read() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.read()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) read() ([]byte, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return b, nil
}

// Write replaces the document with content. Concurrent readers see the old
// or the new document, never a mix.
func (s *Store) Write(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	mode := os.FileMode(0o600)
	if fi, err := os.Stat(s.path); err == nil {
		mode = fi.Mode().Perm()
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := f.WriteString(content); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.log.Info("config written", "path", s.path, "bytes", len(content))
	return nil
}

type document struct {
	Providers map[string]yaml.Node `yaml:"providers"`
}

type credentials struct {
	APIKey any `yaml:"api_key"`
	Token  any `yaml:"token"`
}

// truthy treats empty strings, zero numbers, false and empty collections as
// absent credentials.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// AuthStatus reports, for every known provider, whether the config holds a
// truthy api_key or token for it. A missing or unparsable document yields
// all false.
func (s *Store) AuthStatus() map[string]bool {
	out := make(map[string]bool, len(provider.IDs))
	for _, id := range provider.IDs {
		out[id] = false
	}

	s.mu.RLock()
	b, err := s.read()
	s.mu.RUnlock()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("read config for auth status", "error", err)
		}
		return out
	}

	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		s.log.Warn("parse config for auth status", "error", err)
		return out
	}
	for _, id := range provider.IDs {
		node, ok := doc.Providers[id]
		if !ok || node.Kind != yaml.MappingNode {
			continue
		}
		var c credentials
		if err := node.Decode(&c); err != nil {
			continue
		}
		out[id] = truthy(c.APIKey) || truthy(c.Token)
	}
	return out
}
