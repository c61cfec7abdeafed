package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/cluster"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

// MockPlatform reports a migration done after pollsToDone polls unless
// PollFunc says otherwise.
type MockPlatform struct {
	MigrateFunc func(vmID, src, dst string) error
	PollFunc    func(h cloud.Handle, polls int) (cloud.MigrationStatus, error)
	pollsToDone int

	mu          sync.Mutex
	polls       map[string]int
	migrations  int
	aborted     []string
	inFlight    int
	maxInFlight int
}

func newMockPlatform(pollsToDone int) *MockPlatform {
	return &MockPlatform{pollsToDone: pollsToDone, polls: make(map[string]int)}
}

func (m *MockPlatform) Migrate(_ context.Context, vmID, src, dst string) (cloud.Handle, error) {
	if m.MigrateFunc != nil {
		if err := m.MigrateFunc(vmID, src, dst); err != nil {
			return cloud.Handle{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations++
	m.polls[vmID] = 0
	m.inFlight++
	m.maxInFlight = max(m.maxInFlight, m.inFlight)
	return cloud.Handle{VMID: vmID, SourceHostID: src, DestinationHostID: dst}, nil
}

func (m *MockPlatform) PollMigration(_ context.Context, h cloud.Handle) (cloud.MigrationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls[h.VMID]++
	polls := m.polls[h.VMID]

	status := cloud.MigrationPending
	var err error
	switch {
	case m.PollFunc != nil:
		status, err = m.PollFunc(h, polls)
	case polls >= m.pollsToDone:
		status = cloud.MigrationDone
	}
	for _, id := range m.aborted {
		if id == h.VMID {
			status, err = cloud.MigrationFailed, nil
		}
	}
	if status != cloud.MigrationPending && m.inFlight > 0 {
		m.inFlight--
	}
	return status, err
}

func (m *MockPlatform) AbortMigration(_ context.Context, h cloud.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = append(m.aborted, h.VMID)
	return nil
}

func (m *MockPlatform) Sleep(context.Context, string) error { return nil }
func (m *MockPlatform) Wake(context.Context, string) error  { return nil }
func (m *MockPlatform) Inventory(context.Context) (*cloud.Inventory, error) {
	return &cloud.Inventory{}, nil
}

type MockWaker struct{ err error }

func (m MockWaker) Wake(context.Context, string) error { return m.err }

type MockHistory struct {
	mu      sync.Mutex
	results []domain.EntryResult
}

func (m *MockHistory) RecordMigration(_ context.Context, _ string, res domain.EntryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxConcurrent:    4,
		MaxAttempts:      3,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
		CallTimeout:      time.Second,
		PollInterval:     time.Millisecond,
		MigrationTimeout: 5 * time.Second,
	}
}

// newTestStore seeds h1 with vm1..vmN and an empty h2, then reserves every
// VM for h2 the way an accepted plan does.
func newTestStore(t *testing.T, n int) (*cluster.Store, *domain.MigrationPlan) {
	t.Helper()
	state := domain.NewClusterState()
	for _, id := range []string{"h1", "h2"} {
		state.Hosts[id] = &domain.Host{ID: id, Capacity: domain.Resources{CPU: 100}, PowerState: domain.PowerStateActive}
	}
	plan := &domain.MigrationPlan{ID: "plan-1", Reason: domain.ReasonOverloaded, SourceHostID: "h1"}
	for i := 1; i <= n; i++ {
		vmID := fmt.Sprintf("vm%d", i)
		if err := state.PlaceVM(&domain.VirtualMachine{ID: vmID, HostID: "h1", Demand: domain.Resources{CPU: 1}}); err != nil {
			t.Fatalf("PlaceVM() error = %v", err)
		}
		plan.Entries = append(plan.Entries, domain.MigrationEntry{
			ID: "e-" + vmID, VMID: vmID, SourceHostID: "h1", DestinationHostID: "h2",
		})
	}
	store := cluster.NewStore(state, zap.NewNop())
	accepted, err := store.Update(func(s *domain.ClusterState) error {
		for _, e := range plan.Entries {
			if err := s.ReserveMigration(e.VMID, e.DestinationHostID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reserve error = %v", err)
	}
	plan.Generation = accepted.Generation
	return store, plan
}

func waitResult(t *testing.T, o *Orchestrator) domain.PlanResult {
	t.Helper()
	select {
	case res := <-o.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for plan result")
		return domain.PlanResult{}
	}
}

func TestOrchestrator_CommitsMigration(t *testing.T) {
	store, plan := newTestStore(t, 1)
	history := &MockHistory{}
	o := New(testConfig(), store, newMockPlatform(2), nil, history, nil, nil, zap.NewNop())
	genBefore := store.Generation()

	if err := o.Execute(t.Context(), plan); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res := waitResult(t, o)

	if !res.Succeeded() || res.Entries[0].Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res.Entries)
	}
	snap := store.Snapshot()
	if snap.VMs["vm1"].HostID != "h2" || snap.VMs["vm1"].IsMigrating() {
		t.Errorf("vm1 = %+v, want resident on h2", snap.VMs["vm1"])
	}
	if snap.Generation != genBefore+1 {
		t.Errorf("Generation = %d, want %d", snap.Generation, genBefore+1)
	}
	if err := snap.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() error = %v", err)
	}
	if len(history.results) != 1 || history.results[0].Status != domain.EntryCommitted {
		t.Errorf("history = %+v", history.results)
	}
	if len(o.InFlight()) != 0 {
		t.Error("finished plan still reported in flight")
	}
}

func TestOrchestrator_RetriesPlatformFailure(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	p.PollFunc = func(_ cloud.Handle, _ int) (cloud.MigrationStatus, error) {
		if p.migrations < 2 {
			return cloud.MigrationFailed, nil
		}
		return cloud.MigrationDone, nil
	}
	o := New(testConfig(), store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	if res.Entries[0].Status != domain.EntryCommitted || res.Entries[0].Attempts != 2 {
		t.Errorf("unexpected entry result: %+v", res.Entries[0])
	}
}

func TestOrchestrator_EscalatesAndReverts(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	p.PollFunc = func(cloud.Handle, int) (cloud.MigrationStatus, error) { return cloud.MigrationFailed, nil }
	o := New(testConfig(), store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	entry := res.Entries[0]
	if entry.Status != domain.EntryFailed || entry.Attempts != 3 {
		t.Fatalf("unexpected entry result: %+v", entry)
	}
	var failed *domain.MigrationFailedError
	if !errors.As(entry.Err, &failed) {
		t.Fatalf("Err = %v, want MigrationFailedError", entry.Err)
	}
	if failed.VMID != "vm1" || failed.SourceHostID != "h1" || failed.DestinationHostID != "h2" || failed.Generation != plan.Generation {
		t.Errorf("unexpected error details: %+v", failed)
	}

	snap := store.Snapshot()
	if snap.VMs["vm1"].HostID != "h1" || snap.VMs["vm1"].IsMigrating() {
		t.Errorf("vm1 = %+v, want resident on h1", snap.VMs["vm1"])
	}
	if len(snap.Hosts["h2"].Incoming) != 0 {
		t.Errorf("h2 still has incoming %v", snap.Hosts["h2"].Incoming)
	}
}

func TestOrchestrator_PermanentErrorIsNotRetried(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	p.MigrateFunc = func(string, string, string) error { return fmt.Errorf("refused: %w", domain.ErrConflict) }
	o := New(testConfig(), store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	if res.Entries[0].Status != domain.EntryFailed || res.Entries[0].Attempts != 1 {
		t.Errorf("unexpected entry result: %+v", res.Entries[0])
	}
	if !errors.Is(res.Entries[0].Err, domain.ErrConflict) {
		t.Errorf("Err = %v, want ErrConflict in chain", res.Entries[0].Err)
	}
}

func TestOrchestrator_TransientSubmitErrorIsRetried(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	calls := 0
	p.MigrateFunc = func(string, string, string) error {
		calls++
		if calls == 1 {
			return domain.Transient("live migrate", errors.New("503"))
		}
		return nil
	}
	o := New(testConfig(), store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	if res.Entries[0].Status != domain.EntryCommitted || res.Entries[0].Attempts != 2 {
		t.Errorf("unexpected entry result: %+v", res.Entries[0])
	}
}

func TestOrchestrator_CancelAbortsAndReverts(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	started := make(chan struct{})
	var once sync.Once
	p.PollFunc = func(cloud.Handle, int) (cloud.MigrationStatus, error) {
		once.Do(func() { close(started) })
		return cloud.MigrationPending, nil
	}
	o := New(testConfig(), store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	<-started
	if got := o.CancelTargeting("h2"); len(got) != 1 || got[0] != "vm1" {
		t.Fatalf("CancelTargeting() = %v", got)
	}
	res := waitResult(t, o)

	if res.Entries[0].Status != domain.EntryCancelled {
		t.Errorf("status = %v, want cancelled", res.Entries[0].Status)
	}
	if len(p.aborted) != 1 {
		t.Errorf("aborted = %v, want one abort", p.aborted)
	}
	snap := store.Snapshot()
	if snap.VMs["vm1"].HostID != "h1" || snap.VMs["vm1"].IsMigrating() {
		t.Errorf("vm1 = %+v, want resident on h1", snap.VMs["vm1"])
	}
}

func TestOrchestrator_Timeout(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	p.PollFunc = func(cloud.Handle, int) (cloud.MigrationStatus, error) { return cloud.MigrationPending, nil }
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.MigrationTimeout = 10 * time.Millisecond
	o := New(cfg, store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	if res.Entries[0].Status != domain.EntryFailed || !errors.Is(res.Entries[0].Err, errTimedOut) {
		t.Errorf("unexpected entry result: %+v", res.Entries[0])
	}
	if len(p.aborted) != 1 {
		t.Errorf("aborted = %v, want one abort", p.aborted)
	}
}

func TestOrchestrator_WakeFailureFailsEntries(t *testing.T) {
	store, plan := newTestStore(t, 1)
	plan.WakeHosts = []string{"h2"}
	p := newMockPlatform(1)
	o := New(testConfig(), store, p, MockWaker{err: errors.New("no ipmi")}, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	if res.Entries[0].Status != domain.EntryFailed || res.Entries[0].Attempts != 0 {
		t.Errorf("unexpected entry result: %+v", res.Entries[0])
	}
	if p.migrations != 0 {
		t.Errorf("migrations submitted = %d, want 0", p.migrations)
	}
}

func TestOrchestrator_RejectsDuplicateInFlightVM(t *testing.T) {
	store, plan := newTestStore(t, 1)
	p := newMockPlatform(1)
	block := make(chan struct{})
	p.PollFunc = func(cloud.Handle, int) (cloud.MigrationStatus, error) {
		<-block
		return cloud.MigrationDone, nil
	}
	o := New(testConfig(), store, p, nil, nil, nil, nil, zap.NewNop())

	if err := o.Execute(t.Context(), plan); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	dup := *plan
	dup.ID = "plan-2"
	if err := o.Execute(t.Context(), &dup); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Execute(dup) error = %v, want ErrConflict", err)
	}
	if err := o.Execute(t.Context(), plan); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Execute(same) error = %v, want ErrAlreadyExists", err)
	}
	close(block)
	waitResult(t, o)
}

func TestOrchestrator_BoundsConcurrency(t *testing.T) {
	store, plan := newTestStore(t, 4)
	p := newMockPlatform(3)
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	o := New(cfg, store, p, nil, nil, nil, nil, zap.NewNop())

	_ = o.Execute(t.Context(), plan)
	res := waitResult(t, o)

	if !res.Succeeded() {
		t.Fatalf("plan failed: %+v", res.Entries)
	}
	if p.maxInFlight != 1 {
		t.Errorf("max in flight = %d, want 1", p.maxInFlight)
	}
	for _, vm := range store.Snapshot().HostVMs("h2") {
		if vm.IsMigrating() {
			t.Errorf("%s still migrating", vm.ID)
		}
	}
	if n := len(store.Snapshot().HostVMs("h2")); n != 4 {
		t.Errorf("h2 holds %d vms, want 4", n)
	}
}

func TestOrchestrator_Backoff(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffInitial = 100 * time.Millisecond
	cfg.BackoffMax = 300 * time.Millisecond
	o := New(cfg, cluster.NewStore(nil, zap.NewNop()), newMockPlatform(1), nil, nil, nil, nil, zap.NewNop())

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{10, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		got := o.backoff(tt.attempt)
		if got < tt.base*8/10 || got > tt.base*12/10 {
			t.Errorf("backoff(%d) = %v, want about %v", tt.attempt, got, tt.base)
		}
	}
}
