// Package algorithm implements the pluggable consolidation decision strategies:
// underload detection, overload detection, VM selection and VM placement.
//
// Every strategy is created from a Spec by name through the registry. Detectors
// are created once per host, so strategies that keep history (otf) hold it for
// exactly one host.
package algorithm

import (
	"github.com/limiquantix/consolidator/internal/domain"
)

// Window is a host's utilization history as ratios of its capacity, oldest first.
type Window []domain.Resources

// Series extracts one dimension of the window.
func (w Window) Series(d domain.Dimension) []float64 {
	out := make([]float64, len(w))
	for i, r := range w {
		out[i] = r.Get(d)
	}
	return out
}

// Last returns the newest sample.
func (w Window) Last() domain.Resources {
	if len(w) == 0 {
		return domain.Resources{}
	}
	return w[len(w)-1]
}

// Spec configures one strategy instance.
type Spec struct {
	Strategy  string
	Threshold float64
	Window    int
	Confirm   int
	Margin    float64
	Params    map[string]float64

	// MigrationTime is the estimated time of one VM migration expressed in
	// telemetry intervals.
	MigrationTime float64
}

// Param returns a named parameter or def when unset.
func (s Spec) Param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// UnderloadDetector decides whether a host's load is low enough to evacuate it.
type UnderloadDetector interface {
	Underloaded(w Window) bool
}

// OverloadDetector decides whether a host's load is high enough to shed VMs.
type OverloadDetector interface {
	Overloaded(w Window) bool
}

// VMLoad describes one VM considered by selection or placement.
type VMLoad struct {
	ID     string
	Demand domain.Resources
	// History holds recent absolute usage samples, oldest first. It may be
	// empty, in which case Demand is the only signal.
	History []domain.Resources
}

// HostLoad is the input of VM selection.
type HostLoad struct {
	HostID     string
	Generation uint64
	Capacity   domain.Resources
	// Threshold is the overload threshold as a ratio of capacity.
	Threshold float64
	// VMs are the eviction candidates; VMs already migrating are excluded.
	VMs []VMLoad
	// Pinned is load that stays on the host whatever is selected.
	Pinned domain.Resources
}

// Load returns the projected absolute load of the host.
func (h HostLoad) Load() domain.Resources {
	total := h.Pinned
	for _, vm := range h.VMs {
		total = total.Add(vm.Demand)
	}
	return total
}

// VMSelector picks the VMs to evict from an overloaded host.
type VMSelector interface {
	Select(h HostLoad) ([]string, error)
}

// HostCandidate is a potential placement destination.
type HostCandidate struct {
	ID       string
	Capacity domain.Resources
	// Load is the committed load, including VMs migrating towards the host.
	Load       domain.Resources
	PowerState domain.PowerState
}

// PlacementRequest is the input of VM placement.
type PlacementRequest struct {
	SourceHostID string
	Generation   uint64
	VMs          []VMLoad
	Hosts        []HostCandidate
}

// PlacementResult maps VM ids to destination host ids.
type PlacementResult struct {
	Assignments map[string]string
	// Wake lists sleeping hosts the assignments rely on.
	Wake []string
}

// PlacementPlanner computes destinations for evicted VMs.
type PlacementPlanner interface {
	Place(req PlacementRequest) (PlacementResult, error)
}
