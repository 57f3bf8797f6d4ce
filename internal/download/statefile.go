package download

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// StateStore keeps every DownloadState in one JSON file keyed by unique id.
// All mutation funnels through a single lock so concurrent workers cannot
// interleave partial writes.
type StateStore struct {
	mu     sync.Mutex
	path   string
	states map[string]*DownloadState
}

func NewStateStore(path string) *StateStore {
	return &StateStore{
		path:   path,
		states: make(map[string]*DownloadState),
	}
}

// Load reads the state file if present. A missing file is an empty store.
func (s *StateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	states := make(map[string]*DownloadState)
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}
	for id, st := range states {
		if st.FileProgress == nil {
			st.FileProgress = make(map[string]*FileProgress)
		}
		if st.UniqueID == "" {
			st.UniqueID = id
		}
	}
	s.states = states
	return nil
}

// Get returns a copy of the state for id.
func (s *StateStore) Get(id string) (DownloadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return DownloadState{}, false
	}
	return st.clone(), true
}

// All returns copies of every tracked state.
func (s *StateStore) All() []DownloadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DownloadState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	return out
}

// Put inserts or replaces a state and persists the file.
func (s *StateStore) Put(state DownloadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = nowStamp()
	cp := state.clone()
	s.states[state.UniqueID] = &cp
	return s.persistLocked()
}

// Update applies fn to the state under the lock. When persist is false the
// change stays in memory only, which keeps per-chunk progress updates cheap;
// checkpoints and status transitions pass persist=true.
func (s *StateStore) Update(id string, persist bool, fn func(*DownloadState)) (DownloadState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return DownloadState{}, false, nil
	}
	fn(st)
	st.UpdatedAt = nowStamp()
	if !persist {
		return st.clone(), true, nil
	}
	if err := s.persistLocked(); err != nil {
		return st.clone(), true, err
	}
	return st.clone(), true, nil
}

// Delete removes a state and persists the file.
func (s *StateStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; !ok {
		return nil
	}
	delete(s.states, id)
	return s.persistLocked()
}

// Flush persists the current in-memory map.
func (s *StateStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *StateStore) persistLocked() error {
	data, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

// atomicWrite lands data via a temp file in the same directory so a crash
// mid-write never corrupts the previous state.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
