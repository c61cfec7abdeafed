package algorithm

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/btree"

	"github.com/limiquantix/consolidator/internal/domain"
)

// bin is a destination host with the headroom left under the placement threshold.
type bin struct {
	id       string
	residual domain.Resources
}

func binLess(a, b bin) bool {
	if a.residual.CPU != b.residual.CPU {
		return a.residual.CPU < b.residual.CPU
	}
	if a.residual.Memory != b.residual.Memory {
		return a.residual.Memory < b.residual.Memory
	}
	return a.id < b.id
}

// bestFitDecreasing places the largest VMs first, each on the active host
// with the least headroom that still holds it. Sleeping hosts are woken,
// smallest first, only when no active host fits.
type bestFitDecreasing struct {
	cpuThreshold    float64
	memoryThreshold float64
}

func newBestFitDecreasing(spec Spec) (PlacementPlanner, error) {
	if err := requirePositive(spec, false); err != nil {
		return nil, err
	}
	memory := spec.Param("memory_threshold", spec.Threshold)
	if spec.Threshold > 1 || memory <= 0 || memory > 1 {
		return nil, fmt.Errorf("strategy %q thresholds must be within (0, 1]: %w", spec.Strategy, domain.ErrInvalidArgument)
	}
	return &bestFitDecreasing{
		cpuThreshold:    spec.Threshold,
		memoryThreshold: memory,
	}, nil
}

func (p *bestFitDecreasing) limit(capacity domain.Resources) domain.Resources {
	return domain.Resources{
		CPU:    capacity.CPU * p.cpuThreshold,
		Memory: capacity.Memory * p.memoryThreshold,
	}
}

func (p *bestFitDecreasing) Place(req PlacementRequest) (PlacementResult, error) {
	active := btree.NewG[bin](8, binLess)
	var sleeping []HostCandidate
	for _, h := range req.Hosts {
		if h.ID == req.SourceHostID {
			continue
		}
		switch h.PowerState {
		case domain.PowerStateActive:
			active.ReplaceOrInsert(bin{id: h.ID, residual: p.limit(h.Capacity).Sub(h.Load)})
		case domain.PowerStateSleeping:
			sleeping = append(sleeping, h)
		}
	}
	sort.Slice(sleeping, func(i, j int) bool {
		a, b := sleeping[i].Capacity, sleeping[j].Capacity
		if a.CPU != b.CPU {
			return a.CPU < b.CPU
		}
		if a.Memory != b.Memory {
			return a.Memory < b.Memory
		}
		return sleeping[i].ID < sleeping[j].ID
	})

	vms := sortedByID(req.VMs)
	sort.SliceStable(vms, func(i, j int) bool {
		a, b := vms[i].Demand, vms[j].Demand
		if a.CPU != b.CPU {
			return a.CPU > b.CPU
		}
		return a.Memory > b.Memory
	})

	result := PlacementResult{Assignments: make(map[string]string, len(vms))}
	var unplaced []string
	for _, vm := range vms {
		if target, ok := p.fitActive(active, vm); ok {
			result.Assignments[vm.ID] = target
			continue
		}
		placed := false
		for i, h := range sleeping {
			residual := p.limit(h.Capacity).Sub(h.Load)
			if !vm.Demand.FitsWithin(residual) {
				continue
			}
			active.ReplaceOrInsert(bin{id: h.ID, residual: residual.Sub(vm.Demand)})
			result.Assignments[vm.ID] = h.ID
			result.Wake = append(result.Wake, h.ID)
			sleeping = append(sleeping[:i], sleeping[i+1:]...)
			placed = true
			break
		}
		if !placed {
			unplaced = append(unplaced, vm.ID)
		}
	}

	if len(unplaced) > 0 {
		sort.Strings(unplaced)
		return PlacementResult{}, &domain.PlacementInfeasibleError{
			HostID:     req.SourceHostID,
			Generation: req.Generation,
			VMIDs:      unplaced,
		}
	}
	sort.Strings(result.Wake)
	return result, nil
}

// fitActive finds the tightest active bin for vm and books the demand on it.
func (p *bestFitDecreasing) fitActive(active *btree.BTreeG[bin], vm VMLoad) (string, bool) {
	pivot := bin{residual: domain.Resources{CPU: vm.Demand.CPU - 1e-9, Memory: math.Inf(-1)}}
	var chosen bin
	found := false
	active.AscendGreaterOrEqual(pivot, func(b bin) bool {
		if vm.Demand.FitsWithin(b.residual) {
			chosen = b
			found = true
			return false
		}
		return true
	})
	if !found {
		return "", false
	}
	active.Delete(chosen)
	chosen.residual = chosen.residual.Sub(vm.Demand)
	active.ReplaceOrInsert(chosen)
	return chosen.id, true
}
