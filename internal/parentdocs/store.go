// Package parentdocs persists the parent sections that child chunks are
// expanded into at answer time. Children live in the indexes; the full
// section text only lives here.
package parentdocs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// StoreFileName is the sidecar file under the data directory.
const StoreFileName = "parent_docs.json"

// Store maps parent ids to full section text. Markdown parents use the
// form "<file>::<section path>", PDF parents "<file>_sec_<nnn>_<title>".
type Store struct {
	mu      sync.RWMutex
	path    string
	parents map[string]string
}

// NewStore creates a store persisting under dataDir.
func NewStore(dataDir string) *Store {
	return &Store{
		path:    filepath.Join(dataDir, StoreFileName),
		parents: map[string]string{},
	}
}

// Get returns the parent text for id.
func (s *Store) Get(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.parents[id]
	return text, ok
}

// Merge adds or replaces the given parents.
func (s *Store) Merge(parents map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, text := range parents {
		s.parents[id] = text
	}
}

// Count returns the number of stored parents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parents)
}

// DeleteSource removes every parent belonging to filename and reports how
// many were dropped.
func (s *Store) DeleteSource(filename string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id := range s.parents {
		if strings.HasPrefix(id, filename+"::") || strings.HasPrefix(id, filename+"_sec_") {
			delete(s.parents, id)
			deleted++
		}
	}
	return deleted
}

// Sources lists the distinct source filenames present in the store,
// sorted for stable output.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	for id := range s.parents {
		name := id
		if i := strings.Index(id, "::"); i >= 0 {
			name = id[:i]
		} else if i := strings.Index(id, "_sec_"); i >= 0 {
			name = id[:i]
		}
		seen[name] = struct{}{}
	}

	sources := make([]string, 0, len(seen))
	for name := range seen {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	return sources
}

// Clear drops everything and removes the persisted file.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.parents = map[string]string{}
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Save writes the store atomically via a temp file rename.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := sonic.Marshal(s.parents)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("序列化父文档失败: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入父文档失败: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load restores the store from disk. A missing file leaves the store
// empty and is not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	parents := map[string]string{}
	if err := sonic.Unmarshal(data, &parents); err != nil {
		return fmt.Errorf("解析父文档失败: %w", err)
	}

	s.mu.Lock()
	s.parents = parents
	s.mu.Unlock()
	return nil
}
