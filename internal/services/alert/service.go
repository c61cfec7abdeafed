// Package alert raises operator-visible failure reports.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
	"github.com/limiquantix/consolidator/internal/metrics"
)

// Repository defines the interface for alert data access.
type Repository interface {
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error)
}

// EventPublisher publishes alert events for real-time updates.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Service provides alert management functionality.
type Service struct {
	repo      Repository
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService creates a new alert service. publisher and m may be nil.
func NewService(repo Repository, publisher EventPublisher, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With(zap.String("service", "alert")),
	}
}

// Raise records an alert. Storage failures are logged; an alert is never lost
// from the log.
func (s *Service) Raise(ctx context.Context, severity domain.AlertSeverity, kind domain.AlertKind, hostID, vmID string, generation uint64, message string) *domain.Alert {
	alert := &domain.Alert{
		ID:         uuid.NewString(),
		Severity:   severity,
		Kind:       kind,
		HostID:     hostID,
		VMID:       vmID,
		Generation: generation,
		Message:    message,
		CreatedAt:  time.Now(),
	}

	fields := []zap.Field{
		zap.String("id", alert.ID),
		zap.String("severity", string(severity)),
		zap.String("kind", string(kind)),
		zap.String("host_id", hostID),
		zap.String("vm_id", vmID),
		zap.Uint64("generation", generation),
		zap.String("message", message),
	}
	if severity == domain.AlertSeverityCritical {
		s.logger.Error("Alert raised", fields...)
	} else {
		s.logger.Warn("Alert raised", fields...)
	}
	s.metrics.ObserveAlert(kind)

	if err := s.repo.CreateAlert(ctx, alert); err != nil {
		s.logger.Warn("Failed to store alert", zap.String("id", alert.ID), zap.Error(err))
	}

	// Publish event for real-time updates
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.Event{
			Type:       events.AlertCreated,
			HostID:     hostID,
			VMID:       vmID,
			Generation: generation,
			Data:       alert,
		}); err != nil {
			s.logger.Warn("Failed to publish alert event", zap.Error(err))
		}
	}
	return alert
}

// FromError raises an alert classified by the error type. It returns nil for
// errors that are not operator-visible failures.
func (s *Service) FromError(ctx context.Context, hostID string, generation uint64, err error) *domain.Alert {
	var (
		selection *domain.SelectionInfeasibleError
		placement *domain.PlacementInfeasibleError
		migration *domain.MigrationFailedError
		stale     *domain.StaleStateError
	)
	switch {
	case errors.As(err, &selection):
		return s.Raise(ctx, domain.AlertSeverityWarning, domain.AlertSelectionInfeasible,
			selection.HostID, "", selection.Generation, err.Error())
	case errors.As(err, &placement):
		vmID := ""
		if len(placement.VMIDs) > 0 {
			vmID = placement.VMIDs[0]
		}
		return s.Raise(ctx, domain.AlertSeverityWarning, domain.AlertPlacementInfeasible,
			placement.HostID, vmID, placement.Generation, err.Error())
	case errors.As(err, &migration):
		return s.Raise(ctx, domain.AlertSeverityCritical, domain.AlertMigrationFailed,
			migration.SourceHostID, migration.VMID, migration.Generation, err.Error())
	case errors.As(err, &stale):
		return s.Raise(ctx, domain.AlertSeverityInfo, domain.AlertStaleState,
			hostID, "", stale.CurrentGeneration, err.Error())
	default:
		return nil
	}
}

// PowerFailure raises an alert for a failed power transition.
func (s *Service) PowerFailure(ctx context.Context, hostID string, target domain.PowerState, generation uint64, err error) *domain.Alert {
	return s.Raise(ctx, domain.AlertSeverityCritical, domain.AlertPowerFailed, hostID, "", generation,
		fmt.Sprintf("transition to %s failed: %v", target, err))
}

// ListAlerts returns the most recent alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	return s.repo.ListAlerts(ctx, limit)
}
