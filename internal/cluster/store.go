// Package cluster holds the authoritative cluster state.
//
// Readers take immutable snapshots without locking. Writers go through
// Update, which applies a mutation to a private copy under a single writer
// lock, bumps the generation and publishes the copy.
package cluster

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
)

// ErrNoChange may be returned by an Update mutation to discard its copy
// without bumping the generation.
var ErrNoChange = errors.New("no change")

// Listener is notified after every published update.
type Listener func(state *domain.ClusterState)

// Store is the single-writer versioned cluster state.
type Store struct {
	logger *zap.Logger

	current atomic.Pointer[domain.ClusterState]

	mu        sync.Mutex
	listeners []Listener
}

// NewStore creates a store seeded with initial, or an empty state when nil.
func NewStore(initial *domain.ClusterState, logger *zap.Logger) *Store {
	if initial == nil {
		initial = domain.NewClusterState()
	}
	s := &Store{logger: logger.With(zap.String("component", "cluster-store"))}
	s.current.Store(initial.Clone())
	return s
}

// Snapshot returns the current state. Callers must not modify it.
func (s *Store) Snapshot() *domain.ClusterState {
	return s.current.Load()
}

// Generation returns the current generation.
func (s *Store) Generation() uint64 {
	return s.current.Load().Generation
}

// OnChange registers a listener called with each newly published state.
// Listeners run on the writer's goroutine and must not call Update.
func (s *Store) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Update applies fn to a copy of the current state. If fn returns nil the
// copy is published with the next generation and returned. If fn returns an
// error the current state is left untouched; ErrNoChange is not reported.
func (s *Store) Update(fn func(state *domain.ClusterState) error) (*domain.ClusterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur, nil
		}
		return cur, err
	}
	next.Generation = max(cur.Generation, next.Generation) + 1
	s.current.Store(next)

	s.logger.Debug("Cluster state updated", zap.Uint64("generation", next.Generation))
	for _, l := range s.listeners {
		l(next)
	}
	return next, nil
}

// UpdateAt is Update guarded by an expected generation. It fails with a
// StaleStateError if the state moved on since generation was observed.
func (s *Store) UpdateAt(generation uint64, fn func(state *domain.ClusterState) error) (*domain.ClusterState, error) {
	return s.Update(func(state *domain.ClusterState) error {
		if state.Generation != generation {
			return &domain.StaleStateError{PlanGeneration: generation, CurrentGeneration: state.Generation}
		}
		return fn(state)
	})
}

// Replace publishes state wholesale. The generation continues from the
// larger of the current and the replacement generation, so restoring a
// mirrored state never moves it backwards.
func (s *Store) Replace(state *domain.ClusterState) (*domain.ClusterState, error) {
	if state == nil {
		return nil, fmt.Errorf("replace with nil state: %w", domain.ErrInvalidArgument)
	}
	return s.Update(func(next *domain.ClusterState) error {
		fresh := state.Clone()
		next.Hosts = fresh.Hosts
		next.VMs = fresh.VMs
		next.Generation = fresh.Generation
		return nil
	})
}
