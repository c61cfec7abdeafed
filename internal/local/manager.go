// Package local implements the per-host local managers.
//
// A local manager periodically classifies its host as underloaded,
// overloaded or normal from the host's utilization window and asks the
// global manager for migrations. It never changes the cluster state itself.
package local

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/algorithm"
	"github.com/limiquantix/consolidator/internal/domain"
)

// Decision is the outcome of one local manager cycle.
type Decision string

const (
	DecisionNormal      Decision = "NORMAL"
	DecisionUnderloaded Decision = "UNDERLOADED"
	DecisionOverloaded  Decision = "OVERLOADED"
	DecisionSkipped     Decision = "SKIPPED"
)

// Requester delivers migration requests to the global manager.
type Requester interface {
	Submit(ctx context.Context, req domain.MigrationRequest) error
}

// StateReader exposes cluster state snapshots.
type StateReader interface {
	Snapshot() *domain.ClusterState
}

// UsageSource exposes utilization history.
type UsageSource interface {
	Usage(subjectID string, n int) []domain.Resources
}

// OverloadRecorder records changes of a host's overload classification.
type OverloadRecorder interface {
	RecordHostOverload(ctx context.Context, hostID string, overloaded bool)
}

// Manager watches one host.
type Manager struct {
	hostID    string
	interval  time.Duration
	state     StateReader
	usage     UsageSource
	underload algorithm.UnderloadDetector
	overload  algorithm.OverloadDetector
	requester Requester
	recorder  OverloadRecorder
	logger    *zap.Logger
}

// NewManager creates a local manager for hostID. The detectors must not be
// shared with other hosts. recorder may be nil.
func NewManager(
	hostID string,
	interval time.Duration,
	state StateReader,
	usage UsageSource,
	underload algorithm.UnderloadDetector,
	overload algorithm.OverloadDetector,
	requester Requester,
	recorder OverloadRecorder,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		hostID:    hostID,
		interval:  interval,
		state:     state,
		usage:     usage,
		underload: underload,
		overload:  overload,
		requester: requester,
		recorder:  recorder,
		logger:    logger.With(zap.String("component", "local-manager"), zap.String("host_id", hostID)),
	}
}

// HostID returns the watched host.
func (m *Manager) HostID() string {
	return m.hostID
}

// Run ticks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Starting local manager", zap.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Local manager stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one decision cycle. Underload is checked before overload, so a
// host is never reported as both.
func (m *Manager) Tick(ctx context.Context) Decision {
	state := m.state.Snapshot()
	host, ok := state.Hosts[m.hostID]
	if !ok || !host.IsActive() {
		return DecisionSkipped
	}
	if state.InFlight(m.hostID) {
		m.logger.Debug("Migrations in flight, skipping cycle", zap.Uint64("generation", state.Generation))
		return DecisionSkipped
	}

	decision := DecisionNormal
	if len(host.VMIDs) == 0 {
		decision = DecisionUnderloaded
	} else {
		w := m.window(host)
		switch {
		case m.underload.Underloaded(w):
			decision = DecisionUnderloaded
		case m.overload.Overloaded(w):
			decision = DecisionOverloaded
		}
		if m.recorder != nil {
			m.recorder.RecordHostOverload(ctx, m.hostID, decision == DecisionOverloaded)
		}
	}

	if decision == DecisionNormal {
		return decision
	}

	req := domain.MigrationRequest{
		HostID:      m.hostID,
		Reason:      domain.ReasonOverloaded,
		Generation:  state.Generation,
		RequestedAt: time.Now(),
	}
	if decision == DecisionUnderloaded {
		req.Reason = domain.ReasonUnderloaded
	}

	m.logger.Info("Requesting migrations",
		zap.String("reason", string(req.Reason)),
		zap.Int("vms", len(host.VMIDs)),
		zap.Uint64("generation", state.Generation),
	)
	if err := m.requester.Submit(ctx, req); err != nil {
		if errors.Is(err, domain.ErrQueueFull) || errors.Is(err, domain.ErrAlreadyExists) {
			m.logger.Debug("Request not queued", zap.Error(err))
		} else {
			m.logger.Warn("Failed to submit migration request", zap.Error(err))
		}
	}
	return decision
}

// window builds the host's utilization window as ratios of its capacity.
// Aggregate host samples are preferred; without them the VM samples are
// summed, aligned on their newest sample.
func (m *Manager) window(host *domain.Host) algorithm.Window {
	usage := m.usage.Usage(host.ID, 0)
	if len(usage) == 0 {
		usage = m.vmUsage(host.VMIDs)
	}

	w := make(algorithm.Window, len(usage))
	for i, u := range usage {
		w[i] = u.Ratio(host.Capacity)
	}
	return w
}

func (m *Manager) vmUsage(vmIDs []string) []domain.Resources {
	series := make([][]domain.Resources, 0, len(vmIDs))
	n := -1
	for _, id := range vmIDs {
		s := m.usage.Usage(id, 0)
		if len(s) == 0 {
			continue
		}
		series = append(series, s)
		if n < 0 || len(s) < n {
			n = len(s)
		}
	}
	if n <= 0 {
		return nil
	}

	out := make([]domain.Resources, n)
	for _, s := range series {
		s = s[len(s)-n:]
		for i, u := range s {
			out[i] = out[i].Add(u)
		}
	}
	return out
}
