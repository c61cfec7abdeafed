package algorithm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/limiquantix/consolidator/internal/domain"
)

func mustPlanner(t *testing.T, threshold float64) PlacementPlanner {
	t.Helper()
	p, err := NewPlacementPlanner(Spec{Strategy: "best_fit_decreasing", Threshold: threshold})
	if err != nil {
		t.Fatalf("NewPlacementPlanner() error = %v", err)
	}
	return p
}

func activeHost(id string, capacity, load float64) HostCandidate {
	return HostCandidate{
		ID:         id,
		Capacity:   domain.Resources{CPU: capacity},
		Load:       domain.Resources{CPU: load},
		PowerState: domain.PowerStateActive,
	}
}

func sleepingHost(id string, capacity float64) HostCandidate {
	return HostCandidate{ID: id, Capacity: domain.Resources{CPU: capacity}, PowerState: domain.PowerStateSleeping}
}

// Evacuating h2 (vm2, demand 2) onto h1 at 8/10 lands exactly on capacity.
func TestBestFitDecreasing_EvacuationOntoFullHost(t *testing.T) {
	p := mustPlanner(t, 1.0)
	got, err := p.Place(PlacementRequest{
		SourceHostID: "h2",
		VMs:          []VMLoad{vm("vm2", 2)},
		Hosts:        []HostCandidate{activeHost("h1", 10, 8), activeHost("h2", 10, 2)},
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	want := PlacementResult{Assignments: map[string]string{"vm2": "h1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Place() mismatch (-want +got):\n%s", diff)
	}
}

func TestBestFitDecreasing_PicksTightestHost(t *testing.T) {
	p := mustPlanner(t, 0.9)
	got, err := p.Place(PlacementRequest{
		SourceHostID: "src",
		VMs:          []VMLoad{vm("big", 4), vm("small", 1)},
		Hosts: []HostCandidate{
			activeHost("roomy", 10, 0),   // residual 9
			activeHost("snug", 10, 4),    // residual 5
			activeHost("tight", 10, 7.5), // residual 1.5
		},
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	want := map[string]string{"big": "snug", "small": "snug"}
	if diff := cmp.Diff(want, got.Assignments); diff != "" {
		t.Errorf("Place() mismatch (-want +got):\n%s", diff)
	}
	if len(got.Wake) != 0 {
		t.Errorf("Wake = %v, want none", got.Wake)
	}
}

func TestBestFitDecreasing_WakesSmallestAdequateHost(t *testing.T) {
	p := mustPlanner(t, 0.9)
	got, err := p.Place(PlacementRequest{
		SourceHostID: "src",
		VMs:          []VMLoad{vm("vm1", 5)},
		Hosts: []HostCandidate{
			activeHost("full", 10, 8),
			sleepingHost("large", 32),
			sleepingHost("tiny", 4),
			sleepingHost("medium", 8),
		},
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	want := PlacementResult{Assignments: map[string]string{"vm1": "medium"}, Wake: []string{"medium"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Place() mismatch (-want +got):\n%s", diff)
	}
}

func TestBestFitDecreasing_ReusesWokenHost(t *testing.T) {
	p := mustPlanner(t, 1.0)
	got, err := p.Place(PlacementRequest{
		SourceHostID: "src",
		VMs:          []VMLoad{vm("a", 4), vm("b", 3)},
		Hosts:        []HostCandidate{sleepingHost("s1", 8), sleepingHost("s2", 8)},
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	want := PlacementResult{Assignments: map[string]string{"a": "s1", "b": "s1"}, Wake: []string{"s1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Place() mismatch (-want +got):\n%s", diff)
	}
}

func TestBestFitDecreasing_Infeasible(t *testing.T) {
	p := mustPlanner(t, 1.0)
	_, err := p.Place(PlacementRequest{
		SourceHostID: "h1",
		Generation:   3,
		VMs:          []VMLoad{vm("vm1", 4)},
		Hosts:        []HostCandidate{activeHost("h1", 10, 10), activeHost("h2", 10, 10)},
	})
	var infeasible *domain.PlacementInfeasibleError
	if !errors.As(err, &infeasible) {
		t.Fatalf("Place() error = %v, want PlacementInfeasibleError", err)
	}
	if diff := cmp.Diff([]string{"vm1"}, infeasible.VMIDs); diff != "" {
		t.Errorf("VMIDs mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Error("PlacementInfeasibleError should unwrap to ErrResourceExhausted")
	}
}

func TestBestFitDecreasing_MemoryDimension(t *testing.T) {
	p := mustPlanner(t, 1.0)
	got, err := p.Place(PlacementRequest{
		SourceHostID: "src",
		VMs:          []VMLoad{{ID: "vm1", Demand: domain.Resources{CPU: 1, Memory: 8}}},
		Hosts: []HostCandidate{
			{ID: "cpu-rich", Capacity: domain.Resources{CPU: 10, Memory: 4}, PowerState: domain.PowerStateActive},
			{ID: "mem-rich", Capacity: domain.Resources{CPU: 10, Memory: 16}, PowerState: domain.PowerStateActive},
		},
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if got.Assignments["vm1"] != "mem-rich" {
		t.Errorf("vm1 placed on %q, want mem-rich", got.Assignments["vm1"])
	}
}
