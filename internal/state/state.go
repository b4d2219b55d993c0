package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/adsync-lab/geminisync/internal/planner"
)

// State holds the last-confirmed bookmark for every (stream, advertiser)
// pair. The bookmark is the first day the next run must query, inclusive:
// everything before it has been fully emitted and confirmed final.
//
// State is safe for concurrent use; the orchestrator's workers advance
// bookmarks for disjoint pairs in parallel.
type State struct {
	mu        sync.Mutex
	Bookmarks map[string]map[string]string `json:"bookmarks"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Bookmarks: make(map[string]map[string]string)}
}

// Bookmark returns the persisted bookmark for the pair, if any.
func (s *State) Bookmark(stream, advertiserID string) (planner.Day, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAdvertiser, ok := s.Bookmarks[stream]
	if !ok {
		return planner.Day{}, false, nil
	}
	raw, ok := byAdvertiser[advertiserID]
	if !ok {
		return planner.Day{}, false, nil
	}
	day, err := planner.ParseDay(raw)
	if err != nil {
		return planner.Day{}, false, fmt.Errorf("bookmark for %s/%s: %w", stream, advertiserID, err)
	}
	return day, true, nil
}

// Advance moves the pair's bookmark to day. Bookmarks only move forward: a
// candidate at or behind the stored value is ignored and Advance reports
// false. This is the monotonicity guarantee chunk completion relies on.
func (s *State) Advance(stream, advertiserID string, day planner.Day) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAdvertiser, ok := s.Bookmarks[stream]
	if !ok {
		byAdvertiser = make(map[string]string)
		s.Bookmarks[stream] = byAdvertiser
	}
	if raw, ok := byAdvertiser[advertiserID]; ok {
		if current, err := planner.ParseDay(raw); err == nil && !day.After(current) {
			return false
		}
	}
	byAdvertiser[advertiserID] = day.String()
	return true
}

// Snapshot returns a deep copy of the bookmark map for serialization.
func (s *State) Snapshot() map[string]map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]string, len(s.Bookmarks))
	for stream, byAdvertiser := range s.Bookmarks {
		inner := make(map[string]string, len(byAdvertiser))
		for id, raw := range byAdvertiser {
			inner[id] = raw
		}
		out[stream] = inner
	}
	return out
}

// Store persists state as a JSON file.
type Store struct {
	path string
}

// NewStore creates a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file. A missing file yields a fresh empty state so a
// first run needs no setup.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	s := NewState()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", st.path, err)
	}
	if s.Bookmarks == nil {
		s.Bookmarks = make(map[string]map[string]string)
	}
	return s, nil
}

// Save writes the state file atomically (temp file + rename) so a crash
// mid-write never corrupts the previous good state.
func (st *Store) Save(s *State) error {
	data, err := json.MarshalIndent(struct {
		Bookmarks map[string]map[string]string `json:"bookmarks"`
	}{Bookmarks: s.Snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(st.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), st.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
