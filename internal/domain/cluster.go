package domain

import (
	"fmt"
	"sort"
)

// ClusterState is the authoritative view of hosts, VMs and their placement.
// Values published by the cluster store are immutable; mutations always
// operate on a Clone.
type ClusterState struct {
	Generation uint64                     `json:"generation"`
	Hosts      map[string]*Host           `json:"hosts"`
	VMs        map[string]*VirtualMachine `json:"vms"`
}

// NewClusterState returns an empty state at generation 0.
func NewClusterState() *ClusterState {
	return &ClusterState{
		Hosts: make(map[string]*Host),
		VMs:   make(map[string]*VirtualMachine),
	}
}

// Clone returns a deep copy.
func (s *ClusterState) Clone() *ClusterState {
	c := &ClusterState{
		Generation: s.Generation,
		Hosts:      make(map[string]*Host, len(s.Hosts)),
		VMs:        make(map[string]*VirtualMachine, len(s.VMs)),
	}
	for id, h := range s.Hosts {
		c.Hosts[id] = h.Clone()
	}
	for id, vm := range s.VMs {
		c.VMs[id] = vm.Clone()
	}
	return c
}

// HostIDs returns all host ids in sorted order.
func (s *ClusterState) HostIDs() []string {
	ids := make([]string, 0, len(s.Hosts))
	for id := range s.Hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HostVMs returns the VMs resident on a host, sorted by id.
func (s *ClusterState) HostVMs(hostID string) []*VirtualMachine {
	h, ok := s.Hosts[hostID]
	if !ok {
		return nil
	}
	vms := make([]*VirtualMachine, 0, len(h.VMIDs))
	for _, id := range h.VMIDs {
		if vm, ok := s.VMs[id]; ok {
			vms = append(vms, vm)
		}
	}
	return vms
}

// ResidentLoad sums the demand of the VMs resident on a host.
func (s *ClusterState) ResidentLoad(hostID string) Resources {
	var total Resources
	for _, vm := range s.HostVMs(hostID) {
		total = total.Add(vm.Demand)
	}
	return total
}

// CommittedLoad is the resident load plus the demand of incoming VMs. It is
// the load a placement decision has to respect.
func (s *ClusterState) CommittedLoad(hostID string) Resources {
	total := s.ResidentLoad(hostID)
	h, ok := s.Hosts[hostID]
	if !ok {
		return total
	}
	for _, id := range h.Incoming {
		if vm, ok := s.VMs[id]; ok {
			total = total.Add(vm.Demand)
		}
	}
	return total
}

// InFlight reports whether any migration touches the host, either leaving
// it, entering it, or draining it.
func (s *ClusterState) InFlight(hostID string) bool {
	h, ok := s.Hosts[hostID]
	if !ok {
		return false
	}
	if h.Evacuating || len(h.Incoming) > 0 || h.PowerState.Transitioning() {
		return true
	}
	for _, vm := range s.HostVMs(hostID) {
		if vm.IsMigrating() {
			return true
		}
	}
	return false
}

// ReserveMigration marks vmID as migrating towards dest.
func (s *ClusterState) ReserveMigration(vmID, dest string) error {
	vm, ok := s.VMs[vmID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmID, ErrNotFound)
	}
	if vm.IsMigrating() {
		return fmt.Errorf("vm %s already migrating to %s: %w", vmID, vm.TargetHostID, ErrConflict)
	}
	if vm.HostID == dest {
		return fmt.Errorf("vm %s already resident on %s: %w", vmID, dest, ErrInvalidArgument)
	}
	target, ok := s.Hosts[dest]
	if !ok {
		return fmt.Errorf("host %s: %w", dest, ErrNotFound)
	}
	if target.Evacuating || target.PowerState == PowerStateSuspending {
		return fmt.Errorf("host %s is draining: %w", dest, ErrConflict)
	}
	vm.MigrationState = MigrationStateMigrating
	vm.TargetHostID = dest
	target.addIncoming(vmID)
	return nil
}

// CommitMigration moves vmID to its reserved destination.
func (s *ClusterState) CommitMigration(vmID string) error {
	vm, ok := s.VMs[vmID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmID, ErrNotFound)
	}
	if !vm.IsMigrating() {
		return fmt.Errorf("vm %s has no migration in flight: %w", vmID, ErrConflict)
	}
	if src, ok := s.Hosts[vm.HostID]; ok {
		src.removeVM(vmID)
	}
	dst, ok := s.Hosts[vm.TargetHostID]
	if !ok {
		return fmt.Errorf("host %s: %w", vm.TargetHostID, ErrNotFound)
	}
	dst.removeIncoming(vmID)
	dst.addVM(vmID)
	vm.HostID = dst.ID
	vm.TargetHostID = ""
	vm.MigrationState = MigrationStateResident
	return nil
}

// RevertMigration cancels a reservation, leaving vmID resident on its source.
func (s *ClusterState) RevertMigration(vmID string) error {
	vm, ok := s.VMs[vmID]
	if !ok {
		return fmt.Errorf("vm %s: %w", vmID, ErrNotFound)
	}
	if !vm.IsMigrating() {
		return nil
	}
	if dst, ok := s.Hosts[vm.TargetHostID]; ok {
		dst.removeIncoming(vmID)
	}
	vm.TargetHostID = ""
	vm.MigrationState = MigrationStateResident
	return nil
}

// PlaceVM records a VM as resident on hostID, replacing any previous
// residency. Used when mirroring the platform inventory.
func (s *ClusterState) PlaceVM(vm *VirtualMachine) error {
	h, ok := s.Hosts[vm.HostID]
	if !ok {
		return fmt.Errorf("host %s: %w", vm.HostID, ErrNotFound)
	}
	if prev, ok := s.VMs[vm.ID]; ok && prev.HostID != vm.HostID {
		if old, ok := s.Hosts[prev.HostID]; ok {
			old.removeVM(vm.ID)
		}
	}
	c := vm.Clone()
	if c.MigrationState == "" {
		c.MigrationState = MigrationStateResident
	}
	s.VMs[vm.ID] = c
	h.addVM(vm.ID)
	return nil
}

// RemoveVM drops a VM and every reference to it.
func (s *ClusterState) RemoveVM(vmID string) {
	vm, ok := s.VMs[vmID]
	if !ok {
		return
	}
	if h, ok := s.Hosts[vm.HostID]; ok {
		h.removeVM(vmID)
	}
	if h, ok := s.Hosts[vm.TargetHostID]; ok {
		h.removeIncoming(vmID)
	}
	delete(s.VMs, vmID)
}

// CheckInvariants verifies the settled-state invariants: an active host's
// resident demand fits its capacity and a sleeping host is empty.
func (s *ClusterState) CheckInvariants() error {
	for _, id := range s.HostIDs() {
		h := s.Hosts[id]
		switch h.PowerState {
		case PowerStateSleeping:
			if len(h.VMIDs) > 0 || len(h.Incoming) > 0 {
				return fmt.Errorf("sleeping host %s holds %d vms: %w", id, len(h.VMIDs)+len(h.Incoming), ErrConflict)
			}
		case PowerStateActive:
			if load := s.ResidentLoad(id); !load.FitsWithin(h.Capacity) {
				return fmt.Errorf("host %s load %s exceeds capacity %s: %w", id, load, h.Capacity, ErrResourceExhausted)
			}
		}
	}
	for id, vm := range s.VMs {
		h, ok := s.Hosts[vm.HostID]
		if !ok || !h.HasVM(id) {
			return fmt.Errorf("vm %s has no resident host: %w", id, ErrConflict)
		}
	}
	return nil
}
