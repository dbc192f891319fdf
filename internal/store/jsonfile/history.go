package jsonfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/hay-kot/pocket/internal/core/history"
)

type historyFile struct {
	Entries []history.Entry `json:"entries"`
}

// HistoryStore implements history.Store on a single JSON file.
type HistoryStore struct {
	path       string
	maxEntries int
	mu         sync.RWMutex
}

// NewHistoryStore creates a store at path keeping at most maxEntries entries
// (0 means unlimited).
func NewHistoryStore(path string, maxEntries int) *HistoryStore {
	return &HistoryStore{path: path, maxEntries: maxEntries}
}

func (s *HistoryStore) List(ctx context.Context) ([]history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Entries, nil
}

func (s *HistoryStore) Get(ctx context.Context, id string) (history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.load()
	if err != nil {
		return history.Entry{}, err
	}

	for _, e := range f.Entries {
		if e.ID == id {
			return e, nil
		}
	}
	return history.Entry{}, history.ErrNotFound
}

func (s *HistoryStore) Save(ctx context.Context, entry history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}

	f.Entries = append([]history.Entry{entry}, f.Entries...)
	if s.maxEntries > 0 && len(f.Entries) > s.maxEntries {
		f.Entries = f.Entries[:s.maxEntries]
	}

	return writeJSON(s.path, f)
}

func (s *HistoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeJSON(s.path, historyFile{Entries: []history.Entry{}})
}

func (s *HistoryStore) LastFailed(ctx context.Context) (history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.load()
	if err != nil {
		return history.Entry{}, err
	}

	for _, e := range f.Entries {
		if e.Failed() {
			return e, nil
		}
	}
	return history.Entry{}, history.ErrNotFound
}

func (s *HistoryStore) load() (historyFile, error) {
	var f historyFile
	if err := readJSON(s.path, &f); err != nil {
		return historyFile{}, fmt.Errorf("load history (run 'pocket history --clear' to reset): %w", err)
	}
	return f, nil
}
