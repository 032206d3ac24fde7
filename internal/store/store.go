package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned by a Backend when no artifact has been persisted yet.
	ErrNotFound = errors.New("store: no persisted artifact")
	// ErrCorrupt is returned when a persisted artifact exists but cannot be decoded.
	ErrCorrupt = errors.New("store: persisted artifact is corrupt")
	// ErrDimension is returned when a vector does not match the catalogue dimensionality.
	ErrDimension = errors.New("store: vector dimension mismatch")
)

// Vector is a face embedding. Vectors are never modified once stored.
type Vector []float64

// Snapshot is a point-in-time copy of the catalogue. Encodings[i] belongs to Names[i].
type Snapshot struct {
	Encodings []Vector `msgpack:"encodings"`
	Names     []string `msgpack:"names"`
}

// Len returns the number of stored pairs.
func (s Snapshot) Len() int {
	return len(s.Names)
}

func (s Snapshot) validate() error {
	if len(s.Encodings) != len(s.Names) {
		return fmt.Errorf("%w: %d encodings for %d names", ErrCorrupt, len(s.Encodings), len(s.Names))
	}
	if len(s.Encodings) == 0 {
		return nil
	}
	dim := len(s.Encodings[0])
	for i, v := range s.Encodings {
		if len(v) == 0 || len(v) != dim {
			return fmt.Errorf("%w: encoding %d has dimension %d, want %d", ErrCorrupt, i, len(v), dim)
		}
	}
	return nil
}

// Backend persists snapshots. Load returns ErrNotFound when nothing was saved,
// Remove succeeds when there is nothing to remove.
type Backend interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Remove(ctx context.Context) error
}

// Store is the in-memory face catalogue: two parallel sequences of encodings
// and names, backed by a persistence Backend.
//
// Store is safe for concurrent use. Readers that need a stable view take a
// Snapshot with All.
type Store struct {
	mu        sync.RWMutex
	encodings []Vector
	names     []string
	backend   Backend
}

// New creates an empty store. backend may be nil for a purely in-memory catalogue.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Add appends one (name, vector) pair to both sequences.
func (s *Store) Add(name string, vec Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(name, vec)
}

func (s *Store) addLocked(name string, vec Vector) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimension)
	}
	if len(s.encodings) > 0 && len(s.encodings[0]) != len(vec) {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), len(s.encodings[0]))
	}
	cp := make(Vector, len(vec))
	copy(cp, vec)
	s.encodings = append(s.encodings, cp)
	s.names = append(s.names, name)
	return nil
}

// Append adds the pair and persists the catalogue. If persisting fails the
// pair is removed again, so memory never runs ahead of the artifact.
func (s *Store) Append(ctx context.Context, name string, vec Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.addLocked(name, vec); err != nil {
		return err
	}
	if err := s.persistLocked(ctx); err != nil {
		n := len(s.names) - 1
		s.encodings = s.encodings[:n]
		s.names = s.names[:n]
		return err
	}
	return nil
}

// All returns a copy of the catalogue. The copy is not affected by later
// mutations of the store.
func (s *Store) All() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Encodings: make([]Vector, len(s.encodings)),
		Names:     make([]string, len(s.names)),
	}
	copy(snap.Encodings, s.encodings)
	copy(snap.Names, s.names)
	return snap
}

// Len returns the number of stored encodings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}

// Identities returns the distinct names in the catalogue, sorted.
func (s *Store) Identities() []string {
	counts := s.CountByIdentity()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CountByIdentity returns how many encodings each identity owns.
func (s *Store) CountByIdentity() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, name := range s.names {
		counts[name]++
	}
	return counts
}

// Persist writes the current catalogue through the backend.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Save(ctx, s.snapshotLocked()); err != nil {
		return fmt.Errorf("failed to persist catalogue: %w", err)
	}
	return nil
}

// Load replaces the in-memory catalogue with the persisted one. When nothing
// has been persisted the store is emptied and found is false; that is not an error.
func (s *Store) Load(ctx context.Context) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.encodings, s.names = nil, nil
	if s.backend == nil {
		return false, nil
	}

	snap, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := snap.validate(); err != nil {
		return false, err
	}

	s.encodings = snap.Encodings
	s.names = snap.Names
	return true, nil
}

// Clear empties the catalogue and removes the persisted artifact. Clearing an
// empty catalogue with no artifact succeeds. When the artifact cannot be
// removed the in-memory catalogue is left untouched.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove persisted catalogue: %w", err)
		}
	}
	s.encodings, s.names = nil, nil
	return nil
}
