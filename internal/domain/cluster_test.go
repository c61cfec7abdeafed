package domain

import (
	"errors"
	"testing"
)

func newTestState() *ClusterState {
	s := NewClusterState()
	s.Hosts["h1"] = &Host{ID: "h1", Capacity: Resources{CPU: 10}, PowerState: PowerStateActive}
	s.Hosts["h2"] = &Host{ID: "h2", Capacity: Resources{CPU: 10}, PowerState: PowerStateActive}
	_ = s.PlaceVM(&VirtualMachine{ID: "vm1", HostID: "h1", Demand: Resources{CPU: 6}})
	_ = s.PlaceVM(&VirtualMachine{ID: "vm2", HostID: "h2", Demand: Resources{CPU: 2}})
	return s
}

func TestClusterState_ReserveCommit(t *testing.T) {
	s := newTestState()

	if err := s.ReserveMigration("vm2", "h1"); err != nil {
		t.Fatalf("ReserveMigration() error = %v", err)
	}
	if !s.InFlight("h1") || !s.InFlight("h2") {
		t.Error("expected both hosts to be in flight")
	}
	if got := s.CommittedLoad("h1").CPU; got != 8 {
		t.Errorf("CommittedLoad(h1) = %v, want 8", got)
	}
	if err := s.ReserveMigration("vm2", "h1"); !errors.Is(err, ErrConflict) {
		t.Errorf("second ReserveMigration() error = %v, want ErrConflict", err)
	}

	if err := s.CommitMigration("vm2"); err != nil {
		t.Fatalf("CommitMigration() error = %v", err)
	}
	if s.VMs["vm2"].HostID != "h1" || s.VMs["vm2"].IsMigrating() {
		t.Errorf("vm2 = %+v, want resident on h1", s.VMs["vm2"])
	}
	if len(s.Hosts["h2"].VMIDs) != 0 || len(s.Hosts["h1"].Incoming) != 0 {
		t.Errorf("unexpected host records: h1=%+v h2=%+v", s.Hosts["h1"], s.Hosts["h2"])
	}
	if err := s.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() error = %v", err)
	}
}

func TestClusterState_RevertRestoresSource(t *testing.T) {
	s := newTestState()
	if err := s.ReserveMigration("vm1", "h2"); err != nil {
		t.Fatalf("ReserveMigration() error = %v", err)
	}
	if err := s.RevertMigration("vm1"); err != nil {
		t.Fatalf("RevertMigration() error = %v", err)
	}
	vm := s.VMs["vm1"]
	if vm.HostID != "h1" || vm.IsMigrating() || vm.TargetHostID != "" {
		t.Errorf("vm1 = %+v, want resident on h1", vm)
	}
	if s.InFlight("h2") {
		t.Error("h2 should not be in flight after revert")
	}
}

func TestClusterState_ReserveRejectsDrainingHost(t *testing.T) {
	s := newTestState()
	s.Hosts["h1"].Evacuating = true
	if err := s.ReserveMigration("vm2", "h1"); !errors.Is(err, ErrConflict) {
		t.Errorf("ReserveMigration() error = %v, want ErrConflict", err)
	}
}

func TestClusterState_CloneIsDeep(t *testing.T) {
	s := newTestState()
	c := s.Clone()
	c.Hosts["h1"].VMIDs = append(c.Hosts["h1"].VMIDs, "ghost")
	c.VMs["vm1"].Demand.CPU = 99

	if s.Hosts["h1"].HasVM("ghost") {
		t.Error("clone shares host vm slice")
	}
	if s.VMs["vm1"].Demand.CPU != 6 {
		t.Error("clone shares vm record")
	}
}

func TestClusterState_CheckInvariants(t *testing.T) {
	s := newTestState()
	s.Hosts["h2"].PowerState = PowerStateSleeping
	if err := s.CheckInvariants(); !errors.Is(err, ErrConflict) {
		t.Errorf("sleeping non-empty host: error = %v, want ErrConflict", err)
	}

	s = newTestState()
	s.VMs["vm1"].Demand.CPU = 11
	if err := s.CheckInvariants(); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("overcommitted host: error = %v, want ErrResourceExhausted", err)
	}
}

func TestResources_Ratio(t *testing.T) {
	r := Resources{CPU: 5, Memory: 4}.Ratio(Resources{CPU: 10})
	if r.CPU != 0.5 || r.Memory != 0 {
		t.Errorf("Ratio() = %v, want cpu=0.5 memory=0", r)
	}
}
