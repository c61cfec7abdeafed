package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/limiquantix/consolidator/internal/domain"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest(domain.ReasonOverloaded)
	m.ObserveRequest(domain.ReasonOverloaded)
	m.ObservePlan("accepted", 10*time.Millisecond)
	m.ObserveMigration(domain.EntryCommitted, time.Second)
	m.ObserveAlert(domain.AlertPlacementInfeasible)
	m.ObservePower(domain.PowerStateSleeping, errors.New("boom"))
	m.ObserveSample(nil)

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("OVERLOADED")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Plans.WithLabelValues("accepted")); got != 1 {
		t.Errorf("plans = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PowerTransitions.WithLabelValues("SLEEPING", "error")); got != 1 {
		t.Errorf("power transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Samples.WithLabelValues("accepted")); got != 1 {
		t.Errorf("samples = %v, want 1", got)
	}
}

func TestMetrics_ObserveState(t *testing.T) {
	m := New(prometheus.NewRegistry())
	state := domain.NewClusterState()
	state.Generation = 7
	state.Hosts["h1"] = &domain.Host{ID: "h1", PowerState: domain.PowerStateActive}
	state.Hosts["h2"] = &domain.Host{ID: "h2", PowerState: domain.PowerStateSleeping}
	state.Hosts["h3"] = &domain.Host{ID: "h3", PowerState: domain.PowerStateSleeping}

	m.ObserveState(state)

	if got := testutil.ToFloat64(m.Hosts.WithLabelValues("SLEEPING")); got != 2 {
		t.Errorf("sleeping hosts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Hosts.WithLabelValues("WAKING")); got != 0 {
		t.Errorf("waking hosts = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Generation); got != 7 {
		t.Errorf("generation = %v, want 7", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest(domain.ReasonUnderloaded)
	m.ObserveState(domain.NewClusterState())
}
