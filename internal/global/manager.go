// Package global implements the global manager, the single coordinator that
// turns local manager requests into migration plans.
//
// Requests are processed one at a time on the manager goroutine, each
// against a fresh snapshot of the cluster state, so a plan always reflects
// the outcome of the plans accepted before it. A plan is accepted by
// reserving its migrations at the generation it was computed against; if
// the state moved on in the meantime the plan is recomputed.
package global

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/cluster"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
	"github.com/limiquantix/consolidator/internal/metrics"
)

// Decision cycle and plan outcomes.
const (
	outcomeAccepted   = "accepted"
	outcomeSkipped    = "skipped"
	outcomeSlept      = "slept"
	outcomeFailed     = "failed"
	outcomeSucceeded  = "succeeded"
	outcomeIncomplete = "incomplete"
)

// Executor runs accepted plans.
type Executor interface {
	Execute(ctx context.Context, plan *domain.MigrationPlan) error
	CancelTargeting(hostID string) []string
	Results() <-chan domain.PlanResult
}

// PowerController suspends evacuated hosts.
type PowerController interface {
	Sleep(ctx context.Context, hostID string) error
}

// AlertRaiser turns decision and migration failures into alerts.
type AlertRaiser interface {
	FromError(ctx context.Context, hostID string, generation uint64, err error) *domain.Alert
}

// EventPublisher publishes plan events.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// TelemetryStore is the utilization history the manager reads demand from
// and prunes when VMs disappear.
type TelemetryStore interface {
	UsageSource
	Forget(subjectID string)
}

// Manager is the global manager.
type Manager struct {
	cfg        config.GlobalConfig
	demandN    int
	store      *cluster.Store
	planner    *Planner
	executor   Executor
	power      PowerController
	platform   cloud.Platform
	telemetry  TelemetryStore
	alerts     AlertRaiser
	events     EventPublisher
	leader     LeaderChecker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	powerCalls sync.WaitGroup
	powerCtx   context.Context

	queue   chan string
	mu      sync.Mutex
	pending map[string]domain.MigrationRequest
}

// NewManager creates a global manager. demandWindow is the number of
// samples averaged into a VM's demand. platform, alerts, publisher, leader
// and m may be nil.
func NewManager(
	cfg config.GlobalConfig,
	demandWindow int,
	store *cluster.Store,
	planner *Planner,
	executor Executor,
	power PowerController,
	platform cloud.Platform,
	telemetry TelemetryStore,
	alerts AlertRaiser,
	publisher EventPublisher,
	leader LeaderChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		demandN:   demandWindow,
		store:     store,
		planner:   planner,
		executor:  executor,
		power:     power,
		platform:  platform,
		telemetry: telemetry,
		alerts:    alerts,
		events:    publisher,
		leader:    leader,
		metrics:   m,
		logger:    logger.With(zap.String("component", "global-manager")),
		powerCtx:  context.Background(),
		queue:     make(chan string, cfg.QueueSize),
		pending:   make(map[string]domain.MigrationRequest),
	}
}

// Submit queues a request. A request for a host that already has one
// pending replaces it instead of queueing twice.
func (m *Manager) Submit(ctx context.Context, req domain.MigrationRequest) error {
	if req.HostID == "" {
		return fmt.Errorf("request without host: %w", domain.ErrInvalidArgument)
	}
	if req.Reason != domain.ReasonUnderloaded && req.Reason != domain.ReasonOverloaded {
		return fmt.Errorf("request reason %q: %w", req.Reason, domain.ErrInvalidArgument)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	m.mu.Lock()
	if _, ok := m.pending[req.HostID]; ok {
		m.pending[req.HostID] = req
		m.mu.Unlock()
		return nil
	}
	select {
	case m.queue <- req.HostID:
		m.pending[req.HostID] = req
		m.mu.Unlock()
	default:
		n := len(m.pending)
		m.mu.Unlock()
		return fmt.Errorf("%d requests pending: %w", n, domain.ErrQueueFull)
	}

	m.metrics.ObserveRequest(req.Reason)
	m.publish(ctx, events.Event{
		Type:       events.RequestReceived,
		HostID:     req.HostID,
		Generation: req.Generation,
		Data:       map[string]string{"reason": string(req.Reason)},
	})
	return nil
}

// Pending returns the number of queued requests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run processes requests, plan results and inventory syncs until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("Global manager disabled")
		return
	}
	m.logger.Info("Starting global manager",
		zap.Int("queue_size", m.cfg.QueueSize),
		zap.Int("max_replans", m.cfg.MaxReplans),
		zap.Duration("sync_interval", m.cfg.SyncInterval),
	)
	m.powerCtx = ctx

	var syncC <-chan time.Time
	if m.platform != nil && m.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(m.cfg.SyncInterval)
		defer ticker.Stop()
		syncC = ticker.C
		m.Sync(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.powerCalls.Wait()
			m.logger.Info("Global manager stopped")
			return
		case hostID := <-m.queue:
			m.mu.Lock()
			req := m.pending[hostID]
			delete(m.pending, hostID)
			m.mu.Unlock()
			m.HandleRequest(ctx, req)
		case res := <-m.executor.Results():
			m.HandleResult(ctx, res)
		case <-syncC:
			m.Sync(ctx)
		}
	}
}

// HandleRequest runs one decision cycle for a request.
func (m *Manager) HandleRequest(ctx context.Context, req domain.MigrationRequest) {
	if m.leader != nil && !m.leader.IsLeader() {
		m.logger.Debug("Not leader, dropping request", zap.String("host_id", req.HostID))
		return
	}
	start := time.Now()
	logger := m.logger.With(zap.String("host_id", req.HostID), zap.String("reason", string(req.Reason)))

	m.refreshDemand()
	plan, err := m.planAndAccept(req, logger)
	outcome := outcomeAccepted
	switch {
	case err != nil:
		outcome = outcomeFailed
		m.fail(ctx, req.HostID, err, logger)
	case plan == nil:
		outcome = outcomeSkipped
		logger.Debug("Nothing to do")
	case len(plan.Entries) == 0:
		outcome = outcomeSlept
		logger.Info("Host is empty, suspending")
		m.sleep(req.HostID)
	default:
		if err := m.executor.Execute(ctx, plan); err != nil {
			outcome = outcomeFailed
			m.rollback(plan, logger)
			logger.Error("Failed to execute plan", zap.String("plan_id", plan.ID), zap.Error(err))
			break
		}
		logger.Info("Plan accepted",
			zap.String("plan_id", plan.ID),
			zap.Int("migrations", len(plan.Entries)),
			zap.Strings("wake_hosts", plan.WakeHosts),
			zap.Uint64("generation", plan.Generation),
		)
		m.publish(ctx, events.Event{
			Type:       events.PlanAccepted,
			HostID:     plan.SourceHostID,
			PlanID:     plan.ID,
			Generation: plan.Generation,
			Data:       plan,
		})
	}
	m.metrics.ObservePlan(outcome, time.Since(start))
}

// planAndAccept computes a plan and reserves its migrations, recomputing
// on stale state up to MaxReplans times.
func (m *Manager) planAndAccept(req domain.MigrationRequest, logger *zap.Logger) (*domain.MigrationPlan, error) {
	for attempt := 0; ; attempt++ {
		state := m.store.Snapshot()

		if req.Reason == domain.ReasonUnderloaded {
			if h, ok := state.Hosts[req.HostID]; ok && h.IsActive() && !h.Evacuating && len(h.Incoming) > 0 {
				cancelled := m.executor.CancelTargeting(req.HostID)
				logger.Info("Cancelling migrations into host selected for evacuation", zap.Strings("vm_ids", cancelled))
			}
		}

		plan, err := m.planner.Plan(state, req)
		if err != nil || plan == nil || len(plan.Entries) == 0 {
			return plan, err
		}

		accepted, err := m.store.UpdateAt(plan.Generation, func(s *domain.ClusterState) error {
			return reserve(s, plan)
		})
		var stale *domain.StaleStateError
		if errors.As(err, &stale) && attempt < m.cfg.MaxReplans {
			logger.Debug("Cluster state moved on, replanning",
				zap.Uint64("plan_generation", stale.PlanGeneration),
				zap.Uint64("generation", stale.CurrentGeneration),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		plan.Generation = accepted.Generation
		return plan, nil
	}
}

// reserve books every migration of plan in s.
func reserve(s *domain.ClusterState, plan *domain.MigrationPlan) error {
	for _, id := range plan.WakeHosts {
		h, ok := s.Hosts[id]
		if !ok {
			return fmt.Errorf("host %s: %w", id, domain.ErrNotFound)
		}
		if h.PowerState == domain.PowerStateSleeping {
			h.PowerState = domain.PowerStateWaking
		}
	}
	for _, e := range plan.Entries {
		if err := s.ReserveMigration(e.VMID, e.DestinationHostID); err != nil {
			return err
		}
	}
	if plan.Evacuation() {
		s.Hosts[plan.SourceHostID].Evacuating = true
	}
	return nil
}

// rollback undoes the reservations of a plan that could not be executed.
func (m *Manager) rollback(plan *domain.MigrationPlan, logger *zap.Logger) {
	_, err := m.store.Update(func(s *domain.ClusterState) error {
		for _, e := range plan.Entries {
			if err := s.RevertMigration(e.VMID); err != nil {
				return err
			}
		}
		if h, ok := s.Hosts[plan.SourceHostID]; ok {
			h.Evacuating = false
		}
		for _, id := range plan.WakeHosts {
			if h, ok := s.Hosts[id]; ok && h.PowerState == domain.PowerStateWaking {
				h.PowerState = domain.PowerStateSleeping
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to roll back plan", zap.String("plan_id", plan.ID), zap.Error(err))
	}
}

// HandleResult settles a finished plan: the drained source of a fully
// successful evacuation is suspended and failed entries raise alerts.
func (m *Manager) HandleResult(ctx context.Context, res domain.PlanResult) {
	plan := res.Plan
	logger := m.logger.With(zap.String("plan_id", plan.ID), zap.String("host_id", plan.SourceHostID))

	for _, e := range res.Entries {
		if e.Status == domain.EntryFailed && m.alerts != nil {
			m.alerts.FromError(ctx, plan.SourceHostID, plan.Generation, e.Err)
		}
	}

	// A drained host stays evacuating until the power controller settles it,
	// so no placement can pick it in between.
	outcome := outcomeIncomplete
	if res.Succeeded() {
		outcome = outcomeSucceeded
	}
	if plan.Evacuation() {
		if res.Succeeded() && m.power != nil {
			m.sleep(plan.SourceHostID)
		} else {
			m.clearEvacuation(plan.SourceHostID, logger)
		}
	}

	logger.Info("Plan completed", zap.String("outcome", outcome), zap.Int("migrations", len(res.Entries)))
	m.publish(ctx, events.Event{
		Type:       events.PlanCompleted,
		HostID:     plan.SourceHostID,
		PlanID:     plan.ID,
		Generation: m.store.Generation(),
		Data:       map[string]string{"outcome": outcome},
	})
}

// Sync mirrors the platform inventory into the cluster state.
func (m *Manager) Sync(ctx context.Context) {
	if m.platform == nil {
		return
	}
	inv, err := m.platform.Inventory(ctx)
	if err != nil {
		m.logger.Warn("Failed to read platform inventory", zap.Error(err))
		return
	}

	var removed []string
	state, err := m.store.Update(func(s *domain.ClusterState) error {
		changed, gone := applyInventory(s, inv)
		removed = gone
		if !changed {
			return cluster.ErrNoChange
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to apply platform inventory", zap.Error(err))
		return
	}
	if m.telemetry != nil {
		for _, id := range removed {
			m.telemetry.Forget(id)
		}
	}
	m.metrics.ObserveState(state)
	m.logger.Debug("Inventory synchronized",
		zap.Int("hosts", len(state.Hosts)),
		zap.Int("vms", len(state.VMs)),
		zap.Uint64("generation", state.Generation),
	)
}

func (m *Manager) refreshDemand() {
	if m.telemetry == nil || m.demandN <= 0 {
		return
	}
	if _, err := m.store.Update(func(s *domain.ClusterState) error {
		if !refreshDemand(s, m.telemetry, m.demandN) {
			return cluster.ErrNoChange
		}
		return nil
	}); err != nil {
		m.logger.Warn("Failed to refresh vm demand", zap.Error(err))
	}
}

// sleep suspends a host off the manager goroutine.
func (m *Manager) sleep(hostID string) {
	if m.power == nil {
		return
	}
	m.powerCalls.Add(1)
	go func() {
		defer m.powerCalls.Done()
		if err := m.power.Sleep(m.powerCtx, hostID); err != nil {
			m.logger.Warn("Host not suspended", zap.String("host_id", hostID), zap.Error(err))
			m.clearEvacuation(hostID, m.logger)
		}
	}()
}

func (m *Manager) clearEvacuation(hostID string, logger *zap.Logger) {
	if _, err := m.store.Update(func(s *domain.ClusterState) error {
		h, ok := s.Hosts[hostID]
		if !ok || !h.Evacuating {
			return cluster.ErrNoChange
		}
		h.Evacuating = false
		return nil
	}); err != nil {
		logger.Error("Failed to clear evacuation", zap.String("host_id", hostID), zap.Error(err))
	}
}

// Wait blocks until pending power calls finished.
func (m *Manager) Wait() {
	m.powerCalls.Wait()
}

func (m *Manager) fail(ctx context.Context, hostID string, err error, logger *zap.Logger) {
	logger.Warn("Decision cycle aborted", zap.Uint64("generation", m.store.Generation()), zap.Error(err))
	if m.alerts != nil {
		m.alerts.FromError(ctx, hostID, m.store.Generation(), err)
	}
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, e); err != nil {
		m.logger.Warn("Failed to publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
