package memory

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newPlatform(t *testing.T) (*Platform, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(time.Minute, zap.NewNop())
	p.now = clock.now
	p.AddHost("h1", domain.Resources{CPU: 10, Memory: 100})
	p.AddHost("h2", domain.Resources{CPU: 10, Memory: 100})
	if err := p.AddVM("vm1", "h1", domain.Resources{CPU: 2, Memory: 10}, 0.5); err != nil {
		t.Fatalf("AddVM() error = %v", err)
	}
	return p, clock
}

func TestPlatform_MigrationCompletesAfterDuration(t *testing.T) {
	p, clock := newPlatform(t)
	ctx := t.Context()

	h, err := p.Migrate(ctx, "vm1", "h1", "h2")
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if status, _ := p.PollMigration(ctx, h); status != cloud.MigrationPending {
		t.Errorf("status = %v, want pending", status)
	}
	clock.advance(time.Minute)
	if status, _ := p.PollMigration(ctx, h); status != cloud.MigrationDone {
		t.Errorf("status = %v, want done", status)
	}
	if p.HostOf("vm1") != "h2" {
		t.Errorf("vm1 on %q, want h2", p.HostOf("vm1"))
	}
}

func TestPlatform_FailNext(t *testing.T) {
	p, clock := newPlatform(t)
	ctx := t.Context()
	p.FailNext("vm1", 1)

	h, _ := p.Migrate(ctx, "vm1", "h1", "h2")
	clock.advance(time.Minute)
	if status, _ := p.PollMigration(ctx, h); status != cloud.MigrationFailed {
		t.Errorf("status = %v, want failed", status)
	}
	if p.HostOf("vm1") != "h1" {
		t.Error("failed migration moved the vm")
	}

	h, _ = p.Migrate(ctx, "vm1", "h1", "h2")
	clock.advance(time.Minute)
	if status, _ := p.PollMigration(ctx, h); status != cloud.MigrationDone {
		t.Errorf("retry status = %v, want done", status)
	}
}

func TestPlatform_AbortLeavesVMOnSource(t *testing.T) {
	p, _ := newPlatform(t)
	ctx := t.Context()
	h, _ := p.Migrate(ctx, "vm1", "h1", "h2")
	if err := p.AbortMigration(ctx, h); err != nil {
		t.Fatalf("AbortMigration() error = %v", err)
	}
	if status, _ := p.PollMigration(ctx, h); status != cloud.MigrationFailed {
		t.Errorf("status = %v, want failed", status)
	}
	if p.HostOf("vm1") != "h1" {
		t.Error("aborted migration moved the vm")
	}
}

func TestPlatform_SleepRequiresEmptyHost(t *testing.T) {
	p, _ := newPlatform(t)
	ctx := t.Context()
	if err := p.Sleep(ctx, "h1"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Sleep(h1) error = %v, want ErrConflict", err)
	}
	if err := p.Sleep(ctx, "h2"); err != nil {
		t.Fatalf("Sleep(h2) error = %v", err)
	}
	if _, err := p.Migrate(ctx, "vm1", "h1", "h2"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Migrate() to sleeping host error = %v, want ErrConflict", err)
	}
	if err := p.Wake(ctx, "h2"); err != nil || p.Sleeping("h2") {
		t.Errorf("Wake() error = %v, sleeping = %v", err, p.Sleeping("h2"))
	}
}

func TestPlatform_InventoryAndSamples(t *testing.T) {
	p, clock := newPlatform(t)
	_ = p.Sleep(t.Context(), "h2")

	inv, err := p.Inventory(t.Context())
	if err != nil {
		t.Fatalf("Inventory() error = %v", err)
	}
	if len(inv.Hosts) != 2 || !inv.Hosts[1].Disabled || len(inv.VMs) != 1 {
		t.Errorf("unexpected inventory: %+v", inv)
	}

	samples := p.Samples(clock.t)
	if len(samples) != 2 {
		t.Fatalf("expected vm + awake host sample, got %d", len(samples))
	}
	var vmCPU, hostCPU float64
	for _, s := range samples {
		if s.VMID == "vm1" {
			vmCPU = s.Usage.CPU
		} else {
			hostCPU = s.Usage.CPU
		}
	}
	if vmCPU < 0.9 || vmCPU > 1.1 || hostCPU != vmCPU {
		t.Errorf("vm cpu = %v, host cpu = %v", vmCPU, hostCPU)
	}
}
