// Package history records migrations, host power states and overload
// transitions, and prunes old records.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
)

// Repository defines the interface for history data access.
type Repository interface {
	InsertMigration(ctx context.Context, rec *domain.MigrationRecord) error
	InsertHostState(ctx context.Context, rec *domain.HostStateRecord) error
	InsertHostOverload(ctx context.Context, rec *domain.HostOverloadRecord) error
	ListMigrations(ctx context.Context, limit int) ([]*domain.MigrationRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service writes history records. Write failures are logged and never fail
// the caller.
type Service struct {
	repo   Repository
	logger *zap.Logger

	mu         sync.Mutex
	overloaded map[string]bool
}

// NewService creates a history service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		logger:     logger.With(zap.String("service", "history")),
		overloaded: make(map[string]bool),
	}
}

// RecordMigration stores the outcome of a migration entry.
func (s *Service) RecordMigration(ctx context.Context, planID string, res domain.EntryResult) {
	rec := &domain.MigrationRecord{
		ID:                uuid.NewString(),
		PlanID:            planID,
		VMID:              res.Entry.VMID,
		SourceHostID:      res.Entry.SourceHostID,
		DestinationHostID: res.Entry.DestinationHostID,
		Status:            res.Status,
		Attempts:          res.Attempts,
		FinishedAt:        time.Now(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := s.repo.InsertMigration(ctx, rec); err != nil {
		s.logger.Warn("Failed to record migration", zap.String("vm_id", rec.VMID), zap.Error(err))
	}
}

// RecordHostState stores a host power state change.
func (s *Service) RecordHostState(ctx context.Context, hostID string, state domain.PowerState) {
	rec := &domain.HostStateRecord{HostID: hostID, State: state, ChangedAt: time.Now()}
	if err := s.repo.InsertHostState(ctx, rec); err != nil {
		s.logger.Warn("Failed to record host state", zap.String("host_id", hostID), zap.Error(err))
	}
}

// RecordHostOverload stores the overload classification of a host when it
// differs from the last recorded one.
func (s *Service) RecordHostOverload(ctx context.Context, hostID string, overloaded bool) {
	s.mu.Lock()
	prev, seen := s.overloaded[hostID]
	s.overloaded[hostID] = overloaded
	s.mu.Unlock()
	if seen && prev == overloaded {
		return
	}

	rec := &domain.HostOverloadRecord{HostID: hostID, Overloaded: overloaded, RecordedAt: time.Now()}
	if err := s.repo.InsertHostOverload(ctx, rec); err != nil {
		s.logger.Warn("Failed to record host overload", zap.String("host_id", hostID), zap.Error(err))
	}
}

// ListMigrations returns the most recent migration records.
func (s *Service) ListMigrations(ctx context.Context, limit int) ([]*domain.MigrationRecord, error) {
	return s.repo.ListMigrations(ctx, limit)
}

// RunCleaner deletes records older than retention every interval until ctx
// is cancelled.
func (s *Service) RunCleaner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		s.logger.Info("History cleaner disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx, retention)
		}
	}
}

// Cleanup deletes records older than retention once.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("History cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Pruned history", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
}
