package usage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps State in a YAML file.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store.
func (f *FileStore) Load() (State, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return s, true, nil
}

// Save implements Store. The file is replaced atomically.
func (f *FileStore) Save(s State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// MemoryStore keeps State in memory.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// Load implements Store.
func (m *MemoryStore) Load() (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, false, nil
	}
	return *m.state, true, nil
}

// Save implements Store.
func (m *MemoryStore) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	return nil
}
