// Package power switches hosts between their active and low-power states.
package power

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/cluster"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
	"github.com/limiquantix/consolidator/internal/metrics"
)

// HistoryRecorder records host power changes.
type HistoryRecorder interface {
	RecordHostState(ctx context.Context, hostID string, state domain.PowerState)
}

// AlertRaiser reports failed transitions to operators.
type AlertRaiser interface {
	PowerFailure(ctx context.Context, hostID string, target domain.PowerState, generation uint64, err error) *domain.Alert
}

// EventPublisher publishes power events.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Controller performs power transitions. The host's power state is
// compare-and-set in the cluster store before the platform is called, so
// transitions of one host never overlap. With power management disabled
// only the cluster state is changed.
type Controller struct {
	cfg      config.PowerConfig
	store    *cluster.Store
	platform cloud.Platform
	history  HistoryRecorder
	alerts   AlertRaiser
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewController creates a power controller. history, alerts, publisher and m may be nil.
func NewController(
	cfg config.PowerConfig,
	store *cluster.Store,
	platform cloud.Platform,
	history HistoryRecorder,
	alerts AlertRaiser,
	publisher EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    store,
		platform: platform,
		history:  history,
		alerts:   alerts,
		events:   publisher,
		metrics:  m,
		logger:   logger.With(zap.String("component", "power")),
	}
}

// Sleep suspends an empty active host. Sleeping an already sleeping host is
// a no-op.
func (c *Controller) Sleep(ctx context.Context, hostID string) error {
	already := false
	_, err := c.store.Update(func(s *domain.ClusterState) error {
		h, ok := s.Hosts[hostID]
		if !ok {
			return fmt.Errorf("host %s: %w", hostID, domain.ErrNotFound)
		}
		switch {
		case h.PowerState == domain.PowerStateSleeping:
			already = true
			if h.Evacuating {
				h.Evacuating = false
				return nil
			}
			return cluster.ErrNoChange
		case h.PowerState != domain.PowerStateActive:
			return fmt.Errorf("host %s is %s: %w", hostID, h.PowerState, domain.ErrConflict)
		case len(h.VMIDs) > 0 || len(h.Incoming) > 0:
			return fmt.Errorf("host %s still holds %d vms: %w", hostID, len(h.VMIDs)+len(h.Incoming), domain.ErrConflict)
		}
		h.PowerState = domain.PowerStateSuspending
		return nil
	})
	if err != nil || already {
		return err
	}

	c.logger.Info("Suspending host", zap.String("host_id", hostID))
	return c.complete(ctx, hostID, domain.PowerStateSleeping, domain.PowerStateActive, c.platform.Sleep)
}

// Wake powers on a sleeping host. Waking an active host is a no-op. A host
// already marked as waking by an accepted plan is woken as well.
func (c *Controller) Wake(ctx context.Context, hostID string) error {
	already := false
	_, err := c.store.Update(func(s *domain.ClusterState) error {
		h, ok := s.Hosts[hostID]
		if !ok {
			return fmt.Errorf("host %s: %w", hostID, domain.ErrNotFound)
		}
		switch h.PowerState {
		case domain.PowerStateActive:
			already = true
			return cluster.ErrNoChange
		case domain.PowerStateSuspending:
			return fmt.Errorf("host %s is suspending: %w", hostID, domain.ErrConflict)
		}
		h.PowerState = domain.PowerStateWaking
		return nil
	})
	if err != nil || already {
		return err
	}

	c.logger.Info("Waking host", zap.String("host_id", hostID))
	return c.complete(ctx, hostID, domain.PowerStateActive, domain.PowerStateSleeping, c.platform.Wake)
}

// complete calls the platform and settles the host in target, or back in
// fallback if the call fails.
func (c *Controller) complete(ctx context.Context, hostID string, target, fallback domain.PowerState, call func(context.Context, string) error) error {
	var callErr error
	if c.cfg.Enabled {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		callErr = call(callCtx, hostID)
		cancel()
	}

	settle := target
	if callErr != nil {
		settle = fallback
	}
	state, err := c.store.Update(func(s *domain.ClusterState) error {
		h, ok := s.Hosts[hostID]
		if !ok {
			return fmt.Errorf("host %s: %w", hostID, domain.ErrNotFound)
		}
		h.PowerState = settle
		h.Evacuating = false
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to settle host power state", zap.String("host_id", hostID), zap.Error(err))
	}

	c.metrics.ObservePower(target, callErr)
	bookkeeping := context.WithoutCancel(ctx)
	if callErr != nil {
		c.logger.Error("Power transition failed",
			zap.String("host_id", hostID),
			zap.String("target", string(target)),
			zap.Error(callErr),
		)
		if c.alerts != nil {
			c.alerts.PowerFailure(bookkeeping, hostID, target, state.Generation, callErr)
		}
		return fmt.Errorf("transition %s to %s: %w", hostID, target, callErr)
	}

	c.logger.Info("Host power state changed",
		zap.String("host_id", hostID),
		zap.String("state", string(target)),
		zap.Uint64("generation", state.Generation),
	)
	if c.history != nil {
		c.history.RecordHostState(bookkeeping, hostID, target)
	}
	if c.events != nil {
		_ = c.events.Publish(bookkeeping, events.Event{
			Type:       events.HostPowerChanged,
			HostID:     hostID,
			Generation: state.Generation,
			Data:       map[string]string{"state": string(target)},
		})
	}
	return nil
}
