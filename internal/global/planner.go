package global

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/consolidator/internal/algorithm"
	"github.com/limiquantix/consolidator/internal/domain"
)

// UsageSource exposes VM utilization history.
type UsageSource interface {
	Usage(subjectID string, n int) []domain.Resources
	Average(subjectID string, n int) (domain.Resources, bool)
}

// Planner turns a migration request into a plan against one snapshot.
type Planner struct {
	selector          algorithm.VMSelector
	placer            algorithm.PlacementPlanner
	overloadThreshold float64
	usage             UsageSource
}

// NewPlanner creates a planner. overloadThreshold is the ratio an
// overloaded host must be brought under by VM selection.
func NewPlanner(selector algorithm.VMSelector, placer algorithm.PlacementPlanner, overloadThreshold float64, usage UsageSource) *Planner {
	return &Planner{
		selector:          selector,
		placer:            placer,
		overloadThreshold: overloadThreshold,
		usage:             usage,
	}
}

// Plan computes the migrations answering req. It returns a nil plan when
// there is nothing to do for the host in this state. An underload plan
// without entries means the host is already empty.
func (p *Planner) Plan(state *domain.ClusterState, req domain.MigrationRequest) (*domain.MigrationPlan, error) {
	host, ok := state.Hosts[req.HostID]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", req.HostID, domain.ErrNotFound)
	}
	if !host.IsActive() || host.Evacuating {
		return nil, nil
	}

	var candidates []algorithm.VMLoad
	for _, vm := range state.HostVMs(host.ID) {
		if vm.IsMigrating() {
			// Decisions for a host wait until its outgoing migrations settle.
			return nil, nil
		}
		candidates = append(candidates, p.vmLoad(vm))
	}

	plan := &domain.MigrationPlan{
		ID:           uuid.NewString(),
		Reason:       req.Reason,
		SourceHostID: host.ID,
		Generation:   state.Generation,
		CreatedAt:    time.Now(),
	}

	var selected []algorithm.VMLoad
	switch req.Reason {
	case domain.ReasonUnderloaded:
		selected = candidates
	case domain.ReasonOverloaded:
		if len(host.Incoming) > 0 {
			return nil, nil
		}
		ids, err := p.selector.Select(algorithm.HostLoad{
			HostID:     host.ID,
			Generation: state.Generation,
			Capacity:   host.Capacity,
			Threshold:  p.overloadThreshold,
			VMs:        candidates,
		})
		if err != nil {
			return nil, err
		}
		selected = pick(candidates, ids)
	default:
		return nil, fmt.Errorf("request reason %q: %w", req.Reason, domain.ErrInvalidArgument)
	}

	if len(selected) == 0 {
		if req.Reason == domain.ReasonOverloaded {
			return nil, nil
		}
		return plan, nil
	}

	result, err := p.placer.Place(algorithm.PlacementRequest{
		SourceHostID: host.ID,
		Generation:   state.Generation,
		VMs:          selected,
		Hosts:        destinations(state, host.ID, req.Reason),
	})
	if err != nil {
		return nil, err
	}

	for _, vm := range selected {
		dest, ok := result.Assignments[vm.ID]
		if !ok {
			return nil, &domain.PlacementInfeasibleError{HostID: host.ID, Generation: state.Generation, VMIDs: []string{vm.ID}}
		}
		plan.Entries = append(plan.Entries, domain.MigrationEntry{
			ID:                uuid.NewString(),
			VMID:              vm.ID,
			SourceHostID:      host.ID,
			DestinationHostID: dest,
		})
	}
	plan.WakeHosts = append(plan.WakeHosts, result.Wake...)
	sort.Strings(plan.WakeHosts)
	return plan, nil
}

func (p *Planner) vmLoad(vm *domain.VirtualMachine) algorithm.VMLoad {
	load := algorithm.VMLoad{ID: vm.ID, Demand: vm.Demand}
	if p.usage != nil {
		load.History = p.usage.Usage(vm.ID, 0)
	}
	return load
}

// pick returns the candidates named by ids, in the order of ids.
func pick(candidates []algorithm.VMLoad, ids []string) []algorithm.VMLoad {
	byID := make(map[string]algorithm.VMLoad, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	out := make([]algorithm.VMLoad, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// destinations lists the placement candidates for VMs leaving source.
// Draining and transitioning hosts never receive VMs. Sleeping hosts are
// only woken to relieve an overload; evacuating one host by waking
// another saves nothing.
func destinations(state *domain.ClusterState, source string, reason domain.RequestReason) []algorithm.HostCandidate {
	var out []algorithm.HostCandidate
	for _, id := range state.HostIDs() {
		h := state.Hosts[id]
		if id == source || h.Evacuating || h.PowerState.Transitioning() {
			continue
		}
		if h.PowerState == domain.PowerStateSleeping && reason == domain.ReasonUnderloaded {
			continue
		}
		out = append(out, algorithm.HostCandidate{
			ID:         id,
			Capacity:   h.Capacity,
			Load:       state.CommittedLoad(id),
			PowerState: h.PowerState,
		})
	}
	return out
}
