// Package persist stores the single opaque state document of the context
// cache. Backends always read and write the whole document.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const appDirName = "iris-sync"

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Backend loads and saves one document. Load returns (nil, nil) when nothing
// has been saved yet.
type Backend interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Close() error
}

// Open returns the backend named kind ("file", "badger" or "memory") rooted
// at dir. An empty dir selects the default XDG state directory.
func Open(kind, dir string) (Backend, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	switch kind {
	case "", "file":
		return NewFileBackend(dir), nil
	case "badger":
		return OpenBadger(filepath.Join(dir, "badger"))
	case "memory":
		return NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
}

// DefaultDir returns ~/.local/state/iris-sync, respecting XDG_STATE_HOME.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}

// MemoryBackend keeps the document in memory. Used by tests and the
// "memory" storage option.
type MemoryBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryBackend) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }
