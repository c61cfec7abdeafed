package algorithm

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/consolidator/internal/domain"
)

// exhaustiveLimit bounds the candidate count for which the fewest selector
// searches every subset; larger hosts fall back to the greedy order.
const exhaustiveLimit = 16

func selectionLimit(h HostLoad, margin float64) domain.Resources {
	return h.Capacity.Scale(h.Threshold - margin)
}

func sumDemand(vms []VMLoad) domain.Resources {
	var total domain.Resources
	for _, vm := range vms {
		total = total.Add(vm.Demand)
	}
	return total
}

func sortedByID(vms []VMLoad) []VMLoad {
	out := append([]VMLoad(nil), vms...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func infeasible(h HostLoad, reason string) error {
	return &domain.SelectionInfeasibleError{HostID: h.HostID, Generation: h.Generation, Reason: reason}
}

// fewestSelector evicts the smallest number of VMs that brings every
// dimension under threshold-margin. Among equally small sets it evicts the
// least demand, then the lowest VM ids.
type fewestSelector struct {
	margin float64
}

func newFewestSelector(spec Spec) (VMSelector, error) {
	if spec.Margin < 0 {
		return nil, errNonPositive("margin", spec.Strategy)
	}
	return &fewestSelector{margin: spec.Margin}, nil
}

func (s *fewestSelector) Select(h HostLoad) ([]string, error) {
	if len(h.VMs) == 0 {
		return nil, infeasible(h, "no migratable vms")
	}
	limit := selectionLimit(h, s.margin)
	load := h.Load()
	if !h.Pinned.FitsWithin(limit) {
		return nil, infeasible(h, "load that cannot migrate exceeds the threshold")
	}
	if len(h.VMs) <= exhaustiveLimit {
		return s.exhaustive(h, load, limit)
	}
	return s.greedy(h, load, limit)
}

func (s *fewestSelector) cost(h HostLoad, vm VMLoad) float64 {
	r := vm.Demand.Ratio(h.Capacity)
	return r.CPU + r.Memory
}

func (s *fewestSelector) exhaustive(h HostLoad, load, limit domain.Resources) ([]string, error) {
	vms := sortedByID(h.VMs)
	n := len(vms)
	for k := 1; k <= n; k++ {
		var best []int
		bestCost := 0.0
		idx := make([]int, k)
		for i := range idx {
			idx[i] = i
		}
		for {
			var evicted domain.Resources
			cost := 0.0
			for _, i := range idx {
				evicted = evicted.Add(vms[i].Demand)
				cost += s.cost(h, vms[i])
			}
			// Combinations come in lexicographic order, so a strict
			// comparison keeps the lowest ids on ties.
			if load.Sub(evicted).FitsWithin(limit) && (best == nil || cost < bestCost-1e-12) {
				best = append(best[:0], idx...)
				bestCost = cost
			}
			if !nextCombination(idx, n) {
				break
			}
		}
		if best != nil {
			ids := make([]string, len(best))
			for i, j := range best {
				ids[i] = vms[j].ID
			}
			return ids, nil
		}
	}
	return nil, infeasible(h, "evicting every vm does not satisfy the margin")
}

func (s *fewestSelector) greedy(h HostLoad, load, limit domain.Resources) ([]string, error) {
	vms := sortedByID(h.VMs)
	sort.SliceStable(vms, func(i, j int) bool {
		return vms[i].Demand.Ratio(h.Capacity).Max() > vms[j].Demand.Ratio(h.Capacity).Max()
	})
	var ids []string
	for _, vm := range vms {
		ids = append(ids, vm.ID)
		load = load.Sub(vm.Demand)
		if load.FitsWithin(limit) {
			sort.Strings(ids)
			return ids, nil
		}
	}
	return nil, infeasible(h, "evicting every vm does not satisfy the margin")
}

// nextCombination advances idx to the next k-combination of 0..n-1.
func nextCombination(idx []int, n int) bool {
	k := len(idx)
	i := k - 1
	for i >= 0 && idx[i] == n-k+i {
		i--
	}
	if i < 0 {
		return false
	}
	idx[i]++
	for j := i + 1; j < k; j++ {
		idx[j] = idx[j-1] + 1
	}
	return true
}

// repeatedSelector applies a single-VM choice until the host fits.
type repeatedSelector struct {
	margin float64
	pick   func(h HostLoad, candidates []VMLoad) int
}

func (s *repeatedSelector) Select(h HostLoad) ([]string, error) {
	if len(h.VMs) == 0 {
		return nil, infeasible(h, "no migratable vms")
	}
	limit := selectionLimit(h, s.margin)
	load := h.Load()
	candidates := sortedByID(h.VMs)
	var ids []string
	for len(ids) == 0 || !load.FitsWithin(limit) {
		if len(candidates) == 0 {
			return nil, infeasible(h, "evicting every vm does not satisfy the margin")
		}
		i := s.pick(h, candidates)
		ids = append(ids, candidates[i].ID)
		load = load.Sub(candidates[i].Demand)
		candidates = append(candidates[:i], candidates[i+1:]...)
	}
	return ids, nil
}

func lastCPU(vm VMLoad) float64 {
	if len(vm.History) > 0 {
		return vm.History[len(vm.History)-1].CPU
	}
	return vm.Demand.CPU
}

func avgCPU(vm VMLoad, n int) float64 {
	if len(vm.History) == 0 {
		return vm.Demand.CPU
	}
	cpu := make([]float64, len(vm.History))
	for i, r := range vm.History {
		cpu[i] = r.CPU
	}
	return mean(lastN(cpu, n))
}

func newMinimumUtilizationSelector(spec Spec) (VMSelector, error) {
	return &repeatedSelector{margin: spec.Margin, pick: func(_ HostLoad, c []VMLoad) int {
		best := 0
		for i := range c {
			if lastCPU(c[i]) < lastCPU(c[best]) {
				best = i
			}
		}
		return best
	}}, nil
}

func newMinimumMigrationTimeSelector(spec Spec) (VMSelector, error) {
	return &repeatedSelector{margin: spec.Margin, pick: func(_ HostLoad, c []VMLoad) int {
		best := 0
		for i := range c {
			if c[i].Demand.Memory < c[best].Demand.Memory {
				best = i
			}
		}
		return best
	}}, nil
}

// newMinimumMigrationTimeMaxCPUSelector picks, among the VMs with the least
// memory, the one with the highest recent CPU average.
func newMinimumMigrationTimeMaxCPUSelector(spec Spec) (VMSelector, error) {
	n := spec.Window
	if n <= 0 {
		n = 2
	}
	return &repeatedSelector{margin: spec.Margin, pick: func(_ HostLoad, c []VMLoad) int {
		minMem := c[0].Demand.Memory
		for _, vm := range c {
			minMem = min(minMem, vm.Demand.Memory)
		}
		best := -1
		for i, vm := range c {
			if vm.Demand.Memory > minMem {
				continue
			}
			if best < 0 || avgCPU(vm, n) > avgCPU(c[best], n) {
				best = i
			}
		}
		return best
	}}, nil
}

type randomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (p *randomPicker) pick(_ HostLoad, c []VMLoad) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.IntN(len(c))
}

func newRandomSelector(spec Spec) (VMSelector, error) {
	seed := uint64(spec.Param("seed", 0))
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	p := &randomPicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	return &repeatedSelector{margin: spec.Margin, pick: p.pick}, nil
}
