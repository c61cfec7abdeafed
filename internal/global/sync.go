package global

import (
	"slices"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/domain"
)

// applyInventory mirrors the platform inventory into state and reports
// whether anything changed. VMs with a migration in flight and hosts in a
// power transition are left alone; the orchestrator and power controller
// own them until they settle.
func applyInventory(state *domain.ClusterState, inv *cloud.Inventory) (changed bool, removedVMs []string) {
	seenHosts := make(map[string]bool, len(inv.Hosts))
	for _, info := range inv.Hosts {
		seenHosts[info.ID] = true
		h, ok := state.Hosts[info.ID]
		if !ok {
			power := domain.PowerStateActive
			if info.Disabled {
				power = domain.PowerStateSleeping
			}
			state.Hosts[info.ID] = &domain.Host{
				ID:         info.ID,
				Hostname:   info.Hostname,
				Capacity:   info.Capacity,
				PowerState: power,
			}
			changed = true
			continue
		}
		if h.Hostname != info.Hostname || h.Capacity != info.Capacity {
			h.Hostname = info.Hostname
			h.Capacity = info.Capacity
			changed = true
		}
	}

	seenVMs := make(map[string]bool, len(inv.VMs))
	for _, info := range inv.VMs {
		seenVMs[info.ID] = true
		if _, ok := state.Hosts[info.HostID]; !ok {
			continue
		}
		vm, ok := state.VMs[info.ID]
		switch {
		case !ok:
			_ = state.PlaceVM(&domain.VirtualMachine{
				ID:     info.ID,
				Name:   info.Name,
				Demand: info.Allocation,
				HostID: info.HostID,
			})
			changed = true
		case vm.IsMigrating():
		case vm.HostID != info.HostID:
			moved := vm.Clone()
			moved.HostID = info.HostID
			_ = state.PlaceVM(moved)
			changed = true
		}
	}

	for _, id := range sortedKeys(state.VMs) {
		vm := state.VMs[id]
		if seenVMs[id] || vm.IsMigrating() {
			continue
		}
		state.RemoveVM(id)
		removedVMs = append(removedVMs, id)
		changed = true
	}

	for _, id := range state.HostIDs() {
		h := state.Hosts[id]
		if seenHosts[id] || len(h.VMIDs) > 0 || len(h.Incoming) > 0 || h.PowerState.Transitioning() {
			continue
		}
		delete(state.Hosts, id)
		changed = true
	}

	// Resident VMs keep a disabled host awake; an empty disabled host is
	// mirrored as sleeping.
	for _, info := range inv.Hosts {
		h := state.Hosts[info.ID]
		if h.PowerState.Transitioning() || h.Evacuating {
			continue
		}
		want := domain.PowerStateActive
		if info.Disabled && len(h.VMIDs) == 0 && len(h.Incoming) == 0 {
			want = domain.PowerStateSleeping
		}
		if h.PowerState != want {
			h.PowerState = want
			changed = true
		}
	}
	return changed, removedVMs
}

// refreshDemand sets each VM's demand to its average usage over the last n
// samples. VMs without samples keep their current demand.
func refreshDemand(state *domain.ClusterState, usage UsageSource, n int) bool {
	changed := false
	for _, vm := range state.VMs {
		avg, ok := usage.Average(vm.ID, n)
		if !ok || avg == vm.Demand {
			continue
		}
		vm.Demand = avg
		changed = true
	}
	return changed
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
