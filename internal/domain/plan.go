package domain

import "time"

// RequestReason is why a local manager asks for migrations.
type RequestReason string

const (
	ReasonUnderloaded RequestReason = "UNDERLOADED"
	ReasonOverloaded  RequestReason = "OVERLOADED"
)

// MigrationRequest is sent by a local manager to the global manager.
type MigrationRequest struct {
	HostID      string        `json:"host_id"`
	Reason      RequestReason `json:"reason"`
	Generation  uint64        `json:"generation"`
	RequestedAt time.Time     `json:"requested_at"`
}

// MigrationEntry moves one VM.
type MigrationEntry struct {
	ID                string `json:"id"`
	VMID              string `json:"vm_id"`
	SourceHostID      string `json:"source_host_id"`
	DestinationHostID string `json:"destination_host_id"`
}

// MigrationPlan is an ordered set of migrations computed against one
// generation of the cluster state.
type MigrationPlan struct {
	ID           string           `json:"id"`
	Reason       RequestReason    `json:"reason"`
	SourceHostID string           `json:"source_host_id"`
	Generation   uint64           `json:"generation"`
	Entries      []MigrationEntry `json:"entries"`
	// WakeHosts lists sleeping hosts that must be powered on first.
	WakeHosts []string  `json:"wake_hosts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Evacuation reports whether the plan drains its source host.
func (p *MigrationPlan) Evacuation() bool {
	return p.Reason == ReasonUnderloaded
}

// EntryStatus is the terminal outcome of a migration entry.
type EntryStatus string

const (
	EntryCommitted EntryStatus = "COMMITTED"
	EntryFailed    EntryStatus = "FAILED"
	EntryCancelled EntryStatus = "CANCELLED"
)

// EntryResult reports how a migration entry ended.
type EntryResult struct {
	Entry    MigrationEntry `json:"entry"`
	Status   EntryStatus    `json:"status"`
	Attempts int            `json:"attempts"`
	Err      error          `json:"-"`
}

// PlanResult is reported once every entry of a plan reached a terminal state.
type PlanResult struct {
	Plan    *MigrationPlan `json:"plan"`
	Entries []EntryResult  `json:"entries"`
}

// Succeeded reports whether every entry committed.
func (r *PlanResult) Succeeded() bool {
	for _, e := range r.Entries {
		if e.Status != EntryCommitted {
			return false
		}
	}
	return true
}
