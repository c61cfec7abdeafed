// Package orchestrator drives accepted migration plans to completion.
//
// Every plan entry runs its own state machine: it is submitted to the cloud
// platform, polled until the platform reports a result, retried with
// exponential backoff on failure and finally committed to or reverted from
// the cluster state. Completed plans are reported on the Results channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/sapcc/go-bits/jobloop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/cluster"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
	"github.com/limiquantix/consolidator/internal/metrics"
)

var (
	errPlatformFailed = errors.New("platform reported migration failure")
	errTimedOut       = errors.New("migration timed out")
	errCancelled      = errors.New("migration cancelled")
)

// Waker powers on the sleeping hosts a plan needs.
type Waker interface {
	Wake(ctx context.Context, hostID string) error
}

// HistoryRecorder records finished migration entries.
type HistoryRecorder interface {
	RecordMigration(ctx context.Context, planID string, res domain.EntryResult)
}

// EventPublisher publishes migration events.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// EntryStatus is the live state of a plan entry.
type EntryStatus struct {
	Entry    domain.MigrationEntry `json:"entry"`
	State    string                `json:"state"`
	Attempts int                   `json:"attempts"`
}

// PlanStatus is the live state of an executing plan.
type PlanStatus struct {
	Plan    *domain.MigrationPlan `json:"plan"`
	Entries []EntryStatus         `json:"entries"`
}

type execution struct {
	plan  *domain.MigrationPlan
	tasks []*task
}

type task struct {
	plan     *domain.MigrationPlan
	entry    domain.MigrationEntry
	state    *fsm.FSM
	attempts atomic.Int64
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator executes migration plans.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	store    *cluster.Store
	platform cloud.Platform
	waker    Waker
	history  HistoryRecorder
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   *zap.Logger

	sem     *semaphore.Weighted
	locks   *hostLocks
	results chan domain.PlanResult
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	plans map[string]*execution
	tasks map[string]*task
	wg    sync.WaitGroup
}

// New creates an orchestrator. waker, history, publisher and m may be nil.
func New(
	cfg config.OrchestratorConfig,
	store *cluster.Store,
	platform cloud.Platform,
	waker Waker,
	history HistoryRecorder,
	publisher EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		platform: platform,
		waker:    waker,
		history:  history,
		events:   publisher,
		metrics:  m,
		logger:   logger.With(zap.String("component", "orchestrator")),
		sem:      semaphore.NewWeighted(int64(max(cfg.MaxConcurrent, 1))),
		locks:    newHostLocks(),
		results:  make(chan domain.PlanResult, 64),
		sleep:    sleepCtx,
		plans:    make(map[string]*execution),
		tasks:    make(map[string]*task),
	}
}

// Results delivers one PlanResult per executed plan once every entry has
// reached a terminal state.
func (o *Orchestrator) Results() <-chan domain.PlanResult {
	return o.results
}

// Execute starts a plan whose reservations are already recorded in the
// cluster state and returns immediately. Cancelling ctx cancels every entry.
func (o *Orchestrator) Execute(ctx context.Context, plan *domain.MigrationPlan) error {
	if plan == nil || len(plan.Entries) == 0 {
		return fmt.Errorf("plan has no entries: %w", domain.ErrInvalidArgument)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.plans[plan.ID]; ok {
		return fmt.Errorf("plan %s: %w", plan.ID, domain.ErrAlreadyExists)
	}
	for _, e := range plan.Entries {
		if _, busy := o.tasks[e.VMID]; busy {
			return fmt.Errorf("vm %s already has a migration in flight: %w", e.VMID, domain.ErrConflict)
		}
	}

	exec := &execution{plan: plan}
	for _, e := range plan.Entries {
		tctx, cancel := context.WithCancel(ctx)
		t := &task{
			plan:   plan,
			entry:  e,
			state:  newEntryState(o.logger),
			ctx:    tctx,
			cancel: cancel,
		}
		exec.tasks = append(exec.tasks, t)
		o.tasks[e.VMID] = t
	}
	o.plans[plan.ID] = exec

	o.logger.Info("Executing migration plan",
		zap.String("plan_id", plan.ID),
		zap.String("reason", string(plan.Reason)),
		zap.String("host_id", plan.SourceHostID),
		zap.Uint64("generation", plan.Generation),
		zap.Int("entries", len(plan.Entries)),
		zap.Strings("wake_hosts", plan.WakeHosts),
	)

	o.wg.Add(1)
	go o.run(ctx, exec)
	return nil
}

// Cancel cancels the in-flight migration of vmID. It reports whether one
// was found.
func (o *Orchestrator) Cancel(vmID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[vmID]
	if ok {
		t.cancel()
	}
	return ok
}

// CancelTargeting cancels every in-flight migration whose destination is
// hostID and returns the affected VM ids.
func (o *Orchestrator) CancelTargeting(hostID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var cancelled []string
	for vmID, t := range o.tasks {
		if t.entry.DestinationHostID == hostID {
			t.cancel()
			cancelled = append(cancelled, vmID)
		}
	}
	return cancelled
}

// InFlight returns the plans currently executing.
func (o *Orchestrator) InFlight() []PlanStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlanStatus, 0, len(o.plans))
	for _, exec := range o.plans {
		ps := PlanStatus{Plan: exec.plan}
		for _, t := range exec.tasks {
			ps.Entries = append(ps.Entries, EntryStatus{
				Entry:    t.entry,
				State:    t.state.Current(),
				Attempts: int(t.attempts.Load()),
			})
		}
		out = append(out, ps)
	}
	return out
}

// Wait blocks until every started plan has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, exec *execution) {
	defer o.wg.Done()

	wakeErrs := o.wakeHosts(ctx, exec.plan)

	results := make([]domain.EntryResult, len(exec.tasks))
	var wg sync.WaitGroup
	for i, t := range exec.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.runTask(t, wakeErrs[t.entry.DestinationHostID])
		}()
	}
	wg.Wait()

	o.mu.Lock()
	delete(o.plans, exec.plan.ID)
	for _, t := range exec.tasks {
		delete(o.tasks, t.entry.VMID)
	}
	o.mu.Unlock()

	res := domain.PlanResult{Plan: exec.plan, Entries: results}
	o.logger.Info("Migration plan finished",
		zap.String("plan_id", exec.plan.ID),
		zap.Bool("succeeded", res.Succeeded()),
	)
	select {
	case o.results <- res:
	case <-ctx.Done():
		o.logger.Warn("Dropping plan result on shutdown", zap.String("plan_id", exec.plan.ID))
	}
}

func (o *Orchestrator) wakeHosts(ctx context.Context, plan *domain.MigrationPlan) map[string]error {
	errs := make(map[string]error)
	if o.waker == nil {
		return errs
	}
	for _, hostID := range plan.WakeHosts {
		if err := o.waker.Wake(ctx, hostID); err != nil {
			o.logger.Error("Failed to wake destination host",
				zap.String("plan_id", plan.ID),
				zap.String("host_id", hostID),
				zap.Error(err),
			)
			errs[hostID] = err
		}
	}
	return errs
}

func (o *Orchestrator) runTask(t *task, wakeErr error) domain.EntryResult {
	defer t.cancel()
	t.started = time.Now()

	if wakeErr != nil {
		return o.escalate(t, fmt.Errorf("destination %s did not wake: %w", t.entry.DestinationHostID, wakeErr))
	}
	if err := o.sem.Acquire(t.ctx, 1); err != nil {
		return o.finishCancelled(t)
	}
	defer o.sem.Release(1)

	for {
		t.attempts.Add(1)
		err := o.attempt(t)
		switch {
		case err == nil:
			return o.commit(t)
		case errors.Is(err, errCancelled):
			return o.finishCancelled(t)
		}

		o.fire(t, failEntry)
		attempts := int(t.attempts.Load())
		if attempts >= o.cfg.MaxAttempts || !retryable(err) {
			return o.escalate(t, err)
		}
		delay := o.backoff(attempts)
		o.logger.Warn("Migration attempt failed, retrying",
			zap.String("plan_id", t.plan.ID),
			zap.String("vm_id", t.entry.VMID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		sleepErr := o.sleep(t.ctx, delay)
		o.fire(t, retryEntry)
		if sleepErr != nil {
			return o.finishCancelled(t)
		}
	}
}

// attempt submits the migration once and waits for its outcome.
func (o *Orchestrator) attempt(t *task) error {
	if t.ctx.Err() != nil {
		return errCancelled
	}
	o.fire(t, submitEntry)

	callCtx, cancel := context.WithTimeout(t.ctx, o.cfg.CallTimeout)
	unlock := o.locks.lock(t.entry.SourceHostID, t.entry.DestinationHostID)
	h, err := o.platform.Migrate(callCtx, t.entry.VMID, t.entry.SourceHostID, t.entry.DestinationHostID)
	unlock()
	cancel()
	if err != nil {
		if t.ctx.Err() != nil {
			return errCancelled
		}
		return err
	}

	o.fire(t, startEntry)
	return o.await(t, h)
}

func (o *Orchestrator) await(t *task, h cloud.Handle) error {
	deadline := time.Now().Add(o.cfg.MigrationTimeout)
	for {
		if err := o.sleep(t.ctx, jobloop.DefaultJitter(o.cfg.PollInterval)); err != nil {
			return o.abort(t, h)
		}

		status, err := o.poll(t.ctx, h)
		switch {
		case err != nil && t.ctx.Err() != nil:
			return o.abort(t, h)
		case err != nil && !domain.IsTransient(err):
			return err
		case err != nil:
			o.logger.Debug("Transient poll failure", zap.String("vm_id", t.entry.VMID), zap.Error(err))
		case status == cloud.MigrationDone:
			return nil
		case status == cloud.MigrationFailed:
			return errPlatformFailed
		}

		if time.Now().After(deadline) {
			o.fire(t, timeoutEntry)
			o.abortCall(h)
			return fmt.Errorf("%w after %s", errTimedOut, o.cfg.MigrationTimeout)
		}
	}
}

func (o *Orchestrator) poll(ctx context.Context, h cloud.Handle) (cloud.MigrationStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.platform.PollMigration(callCtx, h)
}

// abort stops a cancelled migration. If the platform finished it anyway the
// migration is reported as done so the cluster state follows reality.
func (o *Orchestrator) abort(t *task, h cloud.Handle) error {
	o.abortCall(h)
	status, err := o.poll(context.Background(), h)
	if err == nil && status == cloud.MigrationDone {
		o.logger.Info("Cancelled migration completed before abort", zap.String("vm_id", t.entry.VMID))
		return nil
	}
	return errCancelled
}

func (o *Orchestrator) abortCall(h cloud.Handle) {
	aborter, ok := o.platform.(cloud.Aborter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := aborter.AbortMigration(ctx, h); err != nil {
		o.logger.Warn("Failed to abort migration", zap.String("vm_id", h.VMID), zap.Error(err))
	}
}

func (o *Orchestrator) commit(t *task) domain.EntryResult {
	unlock := o.locks.lock(t.entry.SourceHostID, t.entry.DestinationHostID)
	state, err := o.store.Update(func(s *domain.ClusterState) error {
		return s.CommitMigration(t.entry.VMID)
	})
	unlock()
	if err != nil {
		o.fire(t, failEntry)
		return o.escalate(t, fmt.Errorf("commit cluster state: %w", err))
	}

	o.fire(t, commitEntry)
	o.logger.Info("Migration committed",
		zap.String("plan_id", t.plan.ID),
		zap.String("vm_id", t.entry.VMID),
		zap.String("source_host_id", t.entry.SourceHostID),
		zap.String("destination_host_id", t.entry.DestinationHostID),
		zap.Uint64("generation", state.Generation),
	)
	return o.finish(t, domain.EntryCommitted, nil, state.Generation)
}

// escalate gives up on an entry: the reservation is reverted and the VM
// stays resident on its source.
func (o *Orchestrator) escalate(t *task, cause error) domain.EntryResult {
	if t.state.Current() != Failed.String() {
		o.fire(t, failEntry)
	}
	gen := o.revert(t)
	err := &domain.MigrationFailedError{
		VMID:              t.entry.VMID,
		SourceHostID:      t.entry.SourceHostID,
		DestinationHostID: t.entry.DestinationHostID,
		Generation:        t.plan.Generation,
		Attempts:          int(t.attempts.Load()),
		Err:               cause,
	}
	o.logger.Error("Migration failed",
		zap.String("plan_id", t.plan.ID),
		zap.String("vm_id", t.entry.VMID),
		zap.Int("attempts", err.Attempts),
		zap.Error(cause),
	)
	return o.finish(t, domain.EntryFailed, err, gen)
}

func (o *Orchestrator) finishCancelled(t *task) domain.EntryResult {
	o.fire(t, cancelEntry)
	gen := o.revert(t)
	o.logger.Info("Migration cancelled",
		zap.String("plan_id", t.plan.ID),
		zap.String("vm_id", t.entry.VMID),
	)
	return o.finish(t, domain.EntryCancelled, errCancelled, gen)
}

func (o *Orchestrator) revert(t *task) uint64 {
	unlock := o.locks.lock(t.entry.SourceHostID, t.entry.DestinationHostID)
	defer unlock()
	state, err := o.store.Update(func(s *domain.ClusterState) error {
		return s.RevertMigration(t.entry.VMID)
	})
	if err != nil {
		o.logger.Error("Failed to revert reservation", zap.String("vm_id", t.entry.VMID), zap.Error(err))
	}
	return state.Generation
}

func (o *Orchestrator) finish(t *task, status domain.EntryStatus, err error, generation uint64) domain.EntryResult {
	res := domain.EntryResult{
		Entry:    t.entry,
		Status:   status,
		Attempts: int(t.attempts.Load()),
		Err:      err,
	}
	o.metrics.ObserveMigration(status, time.Since(t.started))

	// Terminal bookkeeping must not be skipped because the plan was cancelled.
	ctx := context.WithoutCancel(t.ctx)
	if o.history != nil {
		o.history.RecordMigration(ctx, t.plan.ID, res)
	}
	if o.events != nil {
		typ := events.MigrationCommitted
		switch status {
		case domain.EntryFailed:
			typ = events.MigrationFailed
		case domain.EntryCancelled:
			typ = events.MigrationCancelled
		}
		_ = o.events.Publish(ctx, events.Event{
			Type:       typ,
			HostID:     t.entry.SourceHostID,
			VMID:       t.entry.VMID,
			PlanID:     t.plan.ID,
			Generation: generation,
			Data:       res,
		})
	}
	return res
}

func (o *Orchestrator) fire(t *task, ev entryEvent) {
	if err := t.state.Event(context.Background(), ev.String(), t); err != nil {
		o.logger.Debug("Ignored entry state event",
			zap.String("vm_id", t.entry.VMID),
			zap.String("event", ev.String()),
			zap.String("state", t.state.Current()),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffInitial
	for i := 1; i < attempt && d < o.cfg.BackoffMax; i++ {
		d *= 2
	}
	if o.cfg.BackoffMax > 0 && d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return jobloop.DefaultJitter(d)
}

func retryable(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, errPlatformFailed) || errors.Is(err, errTimedOut)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
