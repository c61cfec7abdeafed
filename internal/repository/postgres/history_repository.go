package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
)

// HistoryRepository stores migration history, host power history, overload
// transitions and alerts. It serves both the history and the alert service.
type HistoryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new PostgreSQL history repository.
func NewHistoryRepository(db *DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "history")),
	}
}

// InsertMigration stores a finished migration.
func (r *HistoryRepository) InsertMigration(ctx context.Context, rec *domain.MigrationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	query := `
		INSERT INTO vm_migrations (
			id, plan_id, vm_id, source_host_id, destination_host_id,
			status, attempts, error, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.pool.Exec(ctx, query,
		rec.ID,
		rec.PlanID,
		rec.VMID,
		rec.SourceHostID,
		rec.DestinationHostID,
		string(rec.Status),
		rec.Attempts,
		nullString(rec.Error),
		rec.FinishedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert migration", zap.String("vm_id", rec.VMID), zap.Error(err))
		return domain.Transient("insert migration", err)
	}
	return nil
}

// InsertHostState stores a host power state change.
func (r *HistoryRepository) InsertHostState(ctx context.Context, rec *domain.HostStateRecord) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO host_states (host_id, state, changed_at) VALUES ($1, $2, $3)`,
		rec.HostID, string(rec.State), rec.ChangedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert host state", zap.String("host_id", rec.HostID), zap.Error(err))
		return domain.Transient("insert host state", err)
	}
	return nil
}

// InsertHostOverload stores an overload transition.
func (r *HistoryRepository) InsertHostOverload(ctx context.Context, rec *domain.HostOverloadRecord) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO host_overload (host_id, overloaded, recorded_at) VALUES ($1, $2, $3)`,
		rec.HostID, rec.Overloaded, rec.RecordedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert host overload", zap.String("host_id", rec.HostID), zap.Error(err))
		return domain.Transient("insert host overload", err)
	}
	return nil
}

// ListMigrations returns up to limit migrations, newest first.
func (r *HistoryRepository) ListMigrations(ctx context.Context, limit int) ([]*domain.MigrationRecord, error) {
	query := `
		SELECT id, plan_id, vm_id, source_host_id, destination_host_id,
		       status, attempts, COALESCE(error, ''), finished_at
		FROM vm_migrations
		ORDER BY finished_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Transient("list migrations", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.MigrationRecord, error) {
		var (
			rec    domain.MigrationRecord
			status string
		)
		err := row.Scan(&rec.ID, &rec.PlanID, &rec.VMID, &rec.SourceHostID, &rec.DestinationHostID,
			&status, &rec.Attempts, &rec.Error, &rec.FinishedAt)
		rec.Status = domain.EntryStatus(status)
		return &rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}
	return out, nil
}

// CreateAlert stores an alert.
func (r *HistoryRepository) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO alerts (id, severity, kind, host_id, vm_id, generation, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.pool.Exec(ctx, query,
		alert.ID,
		string(alert.Severity),
		string(alert.Kind),
		nullString(alert.HostID),
		nullString(alert.VMID),
		int64(alert.Generation),
		alert.Message,
		alert.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert alert", zap.String("kind", string(alert.Kind)), zap.Error(err))
		return domain.Transient("insert alert", err)
	}
	return nil
}

// ListAlerts returns up to limit alerts, newest first.
func (r *HistoryRepository) ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	query := `
		SELECT id, severity, kind, COALESCE(host_id, ''), COALESCE(vm_id, ''),
		       generation, message, created_at
		FROM alerts
		ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Transient("list alerts", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var (
			a              domain.Alert
			severity, kind string
			generation     int64
		)
		if err := rows.Scan(&a.ID, &severity, &kind, &a.HostID, &a.VMID, &generation, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = domain.AlertSeverity(severity)
		a.Kind = domain.AlertKind(kind)
		a.Generation = uint64(generation)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// historyTables maps each history table to its timestamp column.
var historyTables = []struct{ table, column string }{
	{"vm_migrations", "finished_at"},
	{"host_states", "changed_at"},
	{"host_overload", "recorded_at"},
	{"alerts", "created_at"},
}

// DeleteOlderThan prunes every history table in one transaction.
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range historyTables {
			batch.Queue(fmt.Sprintf("DELETE FROM %s WHERE %s < $1", t.table, t.column), cutoff)
		}
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for _, t := range historyTables {
			tag, err := results.Exec()
			if err != nil {
				return fmt.Errorf("failed to prune %s: %w", t.table, err)
			}
			deleted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, domain.Transient("prune history", err)
	}
	return deleted, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
