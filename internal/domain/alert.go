package domain

import "time"

// AlertSeverity represents the severity of an alert.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "CRITICAL"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityInfo     AlertSeverity = "INFO"
)

// AlertKind classifies operator-visible failures.
type AlertKind string

const (
	AlertSelectionInfeasible AlertKind = "SELECTION_INFEASIBLE"
	AlertPlacementInfeasible AlertKind = "PLACEMENT_INFEASIBLE"
	AlertMigrationFailed     AlertKind = "MIGRATION_FAILED"
	AlertPowerFailed         AlertKind = "POWER_FAILED"
	AlertStaleState          AlertKind = "STALE_STATE"
)

// Alert is a failure report surfaced to operators.
type Alert struct {
	ID         string        `json:"id"`
	Severity   AlertSeverity `json:"severity"`
	Kind       AlertKind     `json:"kind"`
	HostID     string        `json:"host_id,omitempty"`
	VMID       string        `json:"vm_id,omitempty"`
	Generation uint64        `json:"generation"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"created_at"`
}

// MigrationRecord is the history entry of a finished migration.
type MigrationRecord struct {
	ID                string      `json:"id"`
	PlanID            string      `json:"plan_id"`
	VMID              string      `json:"vm_id"`
	SourceHostID      string      `json:"source_host_id"`
	DestinationHostID string      `json:"destination_host_id"`
	Status            EntryStatus `json:"status"`
	Attempts          int         `json:"attempts"`
	Error             string      `json:"error,omitempty"`
	FinishedAt        time.Time   `json:"finished_at"`
}

// HostStateRecord is the history entry of a host power change.
type HostStateRecord struct {
	HostID    string     `json:"host_id"`
	State     PowerState `json:"state"`
	ChangedAt time.Time  `json:"changed_at"`
}

// HostOverloadRecord logs a change of a host's overload classification.
type HostOverloadRecord struct {
	HostID     string    `json:"host_id"`
	Overloaded bool      `json:"overloaded"`
	RecordedAt time.Time `json:"recorded_at"`
}
