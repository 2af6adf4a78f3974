package record

import (
	"errors"
	"sync"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record id conflict")
)

// Store is an in-memory table of records keyed by id. Iteration follows insertion order and every
// operation holds the lock for its whole duration so mutations are linearizable.
type Store struct {
	mu      sync.RWMutex
	records []Record
	index   map[int]int
}

func NewStore(seed ...Record) *Store {
	s := &Store{index: make(map[int]int, len(seed))}
	for _, r := range seed {
		_ = s.Add(r)
	}
	return s
}

func (s *Store) Get(id int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// List returns a copy of every record in insertion order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Add appends r, or returns ErrConflict when its id is already present.
func (s *Store) Add(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[r.ID]; ok {
		return ErrConflict
	}
	s.index[r.ID] = len(s.records)
	s.records = append(s.records, r)
	return nil
}

// Update replaces the record with the same id in place, or returns ErrNotFound.
func (s *Store) Update(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[r.ID]
	if !ok {
		return ErrNotFound
	}
	s.records[i] = r
	return nil
}

func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return ErrNotFound
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].ID] = j
	}
	return nil
}
