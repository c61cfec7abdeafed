package domain

// MigrationState tracks whether a VM is settled or moving.
type MigrationState string

const (
	MigrationStateResident  MigrationState = "RESIDENT"
	MigrationStateMigrating MigrationState = "MIGRATING"
)

// VirtualMachine represents a guest placed on a host.
type VirtualMachine struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Demand Resources `json:"demand"`

	// HostID is the resident host. TargetHostID is only set while migrating.
	HostID         string         `json:"host_id"`
	TargetHostID   string         `json:"target_host_id,omitempty"`
	MigrationState MigrationState `json:"migration_state"`
}

// IsMigrating reports whether the VM has a migration in flight.
func (vm *VirtualMachine) IsMigrating() bool {
	return vm.MigrationState == MigrationStateMigrating
}

// Clone returns a copy of the VM.
func (vm *VirtualMachine) Clone() *VirtualMachine {
	c := *vm
	return &c
}
