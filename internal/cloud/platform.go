// Package cloud defines the boundary to the cloud platform control API.
package cloud

import (
	"context"
	"time"

	"github.com/limiquantix/consolidator/internal/domain"
)

// MigrationStatus is the platform's view of a submitted live migration.
type MigrationStatus string

const (
	MigrationPending MigrationStatus = "PENDING"
	MigrationDone    MigrationStatus = "DONE"
	MigrationFailed  MigrationStatus = "FAILED"
)

// Handle identifies a submitted migration.
type Handle struct {
	VMID              string    `json:"vm_id"`
	SourceHostID      string    `json:"source_host_id"`
	DestinationHostID string    `json:"destination_host_id"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// HostInfo is a host as reported by the platform.
type HostInfo struct {
	ID       string
	Hostname string
	Capacity domain.Resources
	// Disabled hosts are mirrored as sleeping.
	Disabled bool
}

// VMInfo is a VM as reported by the platform.
type VMInfo struct {
	ID     string
	Name   string
	HostID string
	// Allocation is the flavor size, used as the demand until samples arrive.
	Allocation domain.Resources
}

// Inventory is the set of hosts and VMs the platform knows about.
type Inventory struct {
	Hosts []HostInfo
	VMs   []VMInfo
}

// Platform is the cloud control API the orchestrator and power controller
// drive. Implementations wrap transient failures with domain.Transient.
type Platform interface {
	// Migrate submits a live migration and returns without waiting for it.
	Migrate(ctx context.Context, vmID, sourceHostID, destHostID string) (Handle, error)
	// PollMigration reports the status of a submitted migration.
	PollMigration(ctx context.Context, h Handle) (MigrationStatus, error)
	// Sleep puts an empty host into its low-power state.
	Sleep(ctx context.Context, hostID string) error
	// Wake brings a sleeping host back.
	Wake(ctx context.Context, hostID string) error
	// Inventory lists the hosts and VMs.
	Inventory(ctx context.Context) (*Inventory, error)
}

// Aborter is implemented by platforms that can cancel a running migration.
type Aborter interface {
	AbortMigration(ctx context.Context, h Handle) error
}
