package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
)

// newTestRepository connects to the database named by
// CONSOLIDATOR_TEST_DATABASE_URL and applies the schema. Tests are skipped
// when it is unset.
func newTestRepository(t *testing.T) *HistoryRepository {
	t.Helper()
	url := os.Getenv("CONSOLIDATOR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CONSOLIDATOR_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	files, err := filepath.Glob("../../../migrations/*.up.sql")
	if err != nil || len(files) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		ddl, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}
	for _, table := range historyTables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table.table); err != nil {
			t.Fatal(err)
		}
	}

	logger := zap.NewNop()
	return NewHistoryRepository(&DB{pool: pool, logger: logger}, logger)
}

func TestHistoryRepository_Migrations(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, vm := range []string{"vm1", "vm2"} {
		rec := &domain.MigrationRecord{
			PlanID:            "8a3c2f7e-3e5b-4a43-9a5b-1f1c5d1b2a10",
			VMID:              vm,
			SourceHostID:      "h1",
			DestinationHostID: "h2",
			Status:            domain.EntryCommitted,
			Attempts:          1,
			FinishedAt:        now.Add(time.Duration(i) * time.Second),
		}
		if err := repo.InsertMigration(ctx, rec); err != nil {
			t.Fatalf("InsertMigration() error = %v", err)
		}
	}

	got, err := repo.ListMigrations(ctx, 1)
	if err != nil {
		t.Fatalf("ListMigrations() error = %v", err)
	}
	if len(got) != 1 || got[0].VMID != "vm2" || got[0].Status != domain.EntryCommitted {
		t.Errorf("ListMigrations() = %+v, want the newest record", got)
	}
}

func TestHistoryRepository_AlertsAndCleanup(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	old := &domain.Alert{Severity: domain.AlertSeverityWarning, Kind: domain.AlertPlacementInfeasible, HostID: "h1", Generation: 4, Message: "no room", CreatedAt: now.Add(-48 * time.Hour)}
	fresh := &domain.Alert{Severity: domain.AlertSeverityCritical, Kind: domain.AlertMigrationFailed, HostID: "h1", VMID: "vm1", Generation: 9, Message: "gave up"}
	for _, a := range []*domain.Alert{old, fresh} {
		if err := repo.CreateAlert(ctx, a); err != nil {
			t.Fatalf("CreateAlert() error = %v", err)
		}
	}
	if err := repo.InsertHostState(ctx, &domain.HostStateRecord{HostID: "h1", State: domain.PowerStateSleeping, ChangedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertHostOverload(ctx, &domain.HostOverloadRecord{HostID: "h1", Overloaded: true, RecordedAt: now}); err != nil {
		t.Fatal(err)
	}

	n, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteOlderThan() = %d, want 2", n)
	}

	alerts, err := repo.ListAlerts(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].ID != fresh.ID || alerts[0].VMID != "vm1" || alerts[0].Generation != 9 {
		t.Errorf("ListAlerts() = %+v, want only the fresh alert", alerts)
	}
}
