package anonymize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/wilhg/hostgate/internal/atomicfile"
)

// Mapping is class -> normalized raw value -> token. Entries are only ever
// added.
type Mapping map[Class]map[string]string

// Len returns the number of entries across classes.
func (m Mapping) Len() int {
	n := 0
	for _, c := range m {
		n += len(c)
	}
	return n
}

func (m Mapping) clone() Mapping {
	out := make(Mapping, len(m))
	for class, entries := range m {
		cp := make(map[string]string, len(entries))
		for raw, tok := range entries {
			cp[raw] = tok
		}
		out[class] = cp
	}
	return out
}

// Store persists a Mapping.
type Store interface {
	Load() (Mapping, error)
	Save(Mapping) error
}

const mappingVersion = 1

type mappingEnvelope struct {
	Version int     `json:"version"`
	Classes Mapping `json:"classes"`
}

// FileStore keeps the mapping in a single JSON file. Saves merge whatever
// is already on disk so engines in separate processes sharing the file
// never drop each other's entries; on-disk entries win on conflict.
type FileStore struct {
	Path string

	mu sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the mapping. A missing file yields an empty mapping and no
// error.
func (s *FileStore) Load() (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (Mapping, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Mapping{}, nil
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("read mapping: %w", err)
	}
	var env mappingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Mapping{}, fmt.Errorf("decode mapping: %w", err)
	}
	if env.Version != mappingVersion {
		return Mapping{}, fmt.Errorf("unsupported mapping version: %d", env.Version)
	}
	if env.Classes == nil {
		env.Classes = Mapping{}
	}
	return env.Classes, nil
}

// Save merges m with the file contents and writes the result atomically.
func (s *FileStore) Save(m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := s.load()
	if err != nil {
		// corrupt file: rewrite from memory
		merged = Mapping{}
	}
	for class, entries := range m {
		dst := merged[class]
		if dst == nil {
			dst = make(map[string]string, len(entries))
			merged[class] = dst
		}
		for raw, tok := range entries {
			if _, ok := dst[raw]; !ok {
				dst[raw] = tok
			}
		}
	}
	data, err := json.MarshalIndent(mappingEnvelope{Version: mappingVersion, Classes: merged}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	return atomicfile.WriteFile(s.Path, data, 0o600)
}

// MemoryStore is an in-process Store, used when no mapping path is set.
type MemoryStore struct {
	mu sync.Mutex
	m  Mapping
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load() (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return Mapping{}, nil
	}
	return s.m.clone(), nil
}

func (s *MemoryStore) Save(m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m.clone()
	return nil
}
