// Package memory provides in-memory implementations of repository interfaces.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/limiquantix/consolidator/internal/domain"
)

// HistoryRepository is an in-memory store for migration history, host state
// history, overload transitions and alerts.
type HistoryRepository struct {
	mu         sync.RWMutex
	migrations []*domain.MigrationRecord
	hostStates []*domain.HostStateRecord
	overloads  []*domain.HostOverloadRecord
	alerts     []*domain.Alert
}

// NewHistoryRepository creates a new in-memory history repository.
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{}
}

// InsertMigration stores a migration record.
func (r *HistoryRepository) InsertMigration(_ context.Context, rec *domain.MigrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *rec
	r.migrations = append(r.migrations, &stored)
	return nil
}

// InsertHostState stores a host power state change.
func (r *HistoryRepository) InsertHostState(_ context.Context, rec *domain.HostStateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *rec
	r.hostStates = append(r.hostStates, &stored)
	return nil
}

// InsertHostOverload stores an overload transition.
func (r *HistoryRepository) InsertHostOverload(_ context.Context, rec *domain.HostOverloadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *rec
	r.overloads = append(r.overloads, &stored)
	return nil
}

// ListMigrations returns up to limit migration records, newest first.
func (r *HistoryRepository) ListMigrations(_ context.Context, limit int) ([]*domain.MigrationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := newestFirst(r.migrations, limit)
	for i, rec := range out {
		c := *rec
		out[i] = &c
	}
	return out, nil
}

// HostStates returns the recorded power changes of a host, oldest first.
func (r *HistoryRepository) HostStates(hostID string) []domain.HostStateRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.HostStateRecord
	for _, rec := range r.hostStates {
		if rec.HostID == hostID {
			out = append(out, *rec)
		}
	}
	return out
}

// HostOverloads returns the recorded overload transitions of a host, oldest first.
func (r *HistoryRepository) HostOverloads(hostID string) []domain.HostOverloadRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.HostOverloadRecord
	for _, rec := range r.overloads {
		if rec.HostID == hostID {
			out = append(out, *rec)
		}
	}
	return out
}

// CreateAlert stores an alert.
func (r *HistoryRepository) CreateAlert(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *alert
	r.alerts = append(r.alerts, &stored)
	return nil
}

// ListAlerts returns up to limit alerts, newest first.
func (r *HistoryRepository) ListAlerts(_ context.Context, limit int) ([]*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := newestFirst(r.alerts, limit)
	for i, a := range out {
		c := *a
		out[i] = &c
	}
	return out, nil
}

// DeleteOlderThan prunes every record older than cutoff.
func (r *HistoryRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	r.migrations, n = prune(r.migrations, n, func(rec *domain.MigrationRecord) time.Time { return rec.FinishedAt }, cutoff)
	r.hostStates, n = prune(r.hostStates, n, func(rec *domain.HostStateRecord) time.Time { return rec.ChangedAt }, cutoff)
	r.overloads, n = prune(r.overloads, n, func(rec *domain.HostOverloadRecord) time.Time { return rec.RecordedAt }, cutoff)
	r.alerts, n = prune(r.alerts, n, func(a *domain.Alert) time.Time { return a.CreatedAt }, cutoff)
	return n, nil
}

func prune[T any](items []T, n int64, at func(T) time.Time, cutoff time.Time) ([]T, int64) {
	kept := items[:0]
	for _, item := range items {
		if at(item).Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, item)
	}
	return kept, n
}

// newestFirst returns a reversed copy of items truncated to limit.
func newestFirst[T any](items []T, limit int) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
