package algorithm

import (
	"errors"
	"testing"

	"github.com/limiquantix/consolidator/internal/domain"
)

func cpuWindow(values ...float64) Window {
	w := make(Window, len(values))
	for i, v := range values {
		w[i] = domain.Resources{CPU: v}
	}
	return w
}

func mustUnderload(t *testing.T, spec Spec) UnderloadDetector {
	t.Helper()
	d, err := NewUnderloadDetector(spec)
	if err != nil {
		t.Fatalf("NewUnderloadDetector(%q) error = %v", spec.Strategy, err)
	}
	return d
}

func mustOverload(t *testing.T, spec Spec) OverloadDetector {
	t.Helper()
	d, err := NewOverloadDetector(spec)
	if err != nil {
		t.Fatalf("NewOverloadDetector(%q) error = %v", spec.Strategy, err)
	}
	return d
}

// =============================================================================
// UNDERLOAD
// =============================================================================

func TestAverageUnderload(t *testing.T) {
	d := mustUnderload(t, Spec{Strategy: "average", Threshold: 0.3, Window: 3, Confirm: 2})

	tests := []struct {
		name   string
		window Window
		want   bool
	}{
		{"too short", cpuWindow(0.1, 0.1), false},
		{"low and steady", cpuWindow(0.2, 0.2, 0.2), true},
		{"mean low but last sample spikes", cpuWindow(0.1, 0.1, 0.5), false},
		{"old spike outside window", cpuWindow(0.9, 0.2, 0.2, 0.2), true},
		{"mean above threshold", cpuWindow(0.3, 0.5, 0.25), false},
		{"exactly at threshold", cpuWindow(0.3, 0.3, 0.3), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Underloaded(tt.window); got != tt.want {
				t.Errorf("Underloaded(%v) = %v, want %v", tt.window, got, tt.want)
			}
		})
	}
}

func TestAverageUnderload_AllDimensions(t *testing.T) {
	d := mustUnderload(t, Spec{Strategy: "average", Threshold: 0.3, Window: 2, Confirm: 1})
	w := Window{{CPU: 0.1, Memory: 0.8}, {CPU: 0.1, Memory: 0.8}}
	if d.Underloaded(w) {
		t.Error("host with high memory usage must not be underloaded")
	}
}

func TestThresholdUnderload(t *testing.T) {
	d := mustUnderload(t, Spec{Strategy: "threshold", Threshold: 0.5})
	if d.Underloaded(nil) {
		t.Error("empty window must not be underloaded")
	}
	if !d.Underloaded(cpuWindow(0.9, 0.5)) {
		t.Error("last sample at threshold should be underloaded")
	}
	if d.Underloaded(cpuWindow(0.1, 0.6)) {
		t.Error("last sample above threshold should not be underloaded")
	}
}

func TestAlwaysUnderload(t *testing.T) {
	d := mustUnderload(t, Spec{Strategy: "always"})
	if !d.Underloaded(cpuWindow(1.0)) {
		t.Error("always strategy returned false")
	}
}

// =============================================================================
// OVERLOAD
// =============================================================================

func TestAverageOverload(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "average", Threshold: 0.9, Window: 2, Confirm: 2})

	tests := []struct {
		name   string
		window Window
		want   bool
	}{
		{"too short", cpuWindow(1.0), false},
		{"sustained", cpuWindow(0.95, 1.1), true},
		{"single spike", cpuWindow(0.5, 1.2), false},
		{"at threshold", cpuWindow(0.9, 0.9), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Overloaded(tt.window); got != tt.want {
				t.Errorf("Overloaded(%v) = %v, want %v", tt.window, got, tt.want)
			}
		})
	}
}

func TestOverload_MemoryDimension(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "threshold", Threshold: 0.9})
	if !d.Overloaded(Window{{CPU: 0.2, Memory: 0.95}}) {
		t.Error("memory pressure alone should classify as overloaded")
	}
}

func TestOTFOverload(t *testing.T) {
	d := mustOverload(t, Spec{
		Strategy:  "otf",
		Threshold: 0.8,
		Window:    2,
		Params:    map[string]float64{"otf": 0.5},
	})

	// Each call observes one more interval.
	steps := []struct {
		window Window
		want   bool
	}{
		{cpuWindow(0.9), false},                // overloaded but shorter than limit
		{cpuWindow(0.9, 0.5), false},           // not overloaded now
		{cpuWindow(0.9, 0.5, 0.9), true},       // 2 of 3 intervals overloaded
		{cpuWindow(0.9, 0.5, 0.9, 0.1), false}, // not overloaded now
	}
	for i, s := range steps {
		if got := d.Overloaded(s.window); got != s.want {
			t.Errorf("step %d: Overloaded() = %v, want %v", i, got, s.want)
		}
	}
}

func TestMADOverload(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "mad", Window: 5, Params: map[string]float64{"param": 2.0}})

	// Stable series: MAD is 0, adaptive threshold is 1.0.
	if d.Overloaded(cpuWindow(0.5, 0.5, 0.5, 0.5, 0.5)) {
		t.Error("stable series must not be overloaded")
	}
	// Volatile series lowers the threshold below the last value.
	// median=0.5, deviations {0.4,0.4,0,0.3,0.4} -> MAD 0.4 -> threshold 0.2.
	if !d.Overloaded(cpuWindow(0.1, 0.9, 0.5, 0.2, 0.9)) {
		t.Error("volatile series should be overloaded")
	}
	if d.Overloaded(cpuWindow(0.9, 0.9)) {
		t.Error("series shorter than limit must not be overloaded")
	}
}

func TestIQROverload(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "iqr", Window: 4, Params: map[string]float64{"param": 1.0}})
	// sorted {0.1,0.3,0.7,0.9}: q1 index round(1.25)-1=0, q3 round(3.75)-1=3 -> IQR 0.8
	if !d.Overloaded(cpuWindow(0.1, 0.9, 0.3, 0.7)) {
		t.Error("expected overload with threshold 0.2 and last value 0.7")
	}
}

func TestLoessOverload(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "loess", Threshold: 0.95, Window: 5, MigrationTime: 1,
		Params: map[string]float64{"param": 1.0}})

	if !d.Overloaded(cpuWindow(0.5, 0.6, 0.7, 0.8, 0.9)) {
		t.Error("rising trend predicted at 1.0 should be overloaded")
	}
	if d.Overloaded(cpuWindow(0.5, 0.5, 0.5, 0.5, 0.5)) {
		t.Error("flat trend at 0.5 must not be overloaded")
	}
}

func TestLoessRobustOverload(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "loess_robust", Threshold: 0.95, Window: 6, MigrationTime: 1,
		Params: map[string]float64{"param": 1.0}})
	if !d.Overloaded(cpuWindow(0.4, 0.5, 0.6, 0.7, 0.8, 0.9)) {
		t.Error("rising trend should be overloaded")
	}
}

func TestOTFOverload_SampleAtThresholdCounts(t *testing.T) {
	d := mustOverload(t, Spec{Strategy: "otf", Threshold: 0.8, Window: 1, Params: map[string]float64{"otf": 0.5}})
	if !d.Overloaded(cpuWindow(0.8)) {
		t.Error("a sample exactly at the threshold should count as an overloaded interval")
	}
}

func TestEstimateTransitions(t *testing.T) {
	states := []int{0, 0, 0, 0, 0, 1, 1, 0, 0, 1}
	p := estimateTransitions(states, []int{5})

	want := [][]float64{{0.6, 0.4}, {0.2, 0.2}}
	for i := range want {
		for j := range want[i] {
			if !approx(p.At(i, j), want[i][j]) {
				t.Errorf("p[%d][%d] = %v, want %v", i, j, p.At(i, j), want[i][j])
			}
		}
	}
}

func TestMHODOverload(t *testing.T) {
	spec := Spec{
		Strategy:  "mhod",
		Threshold: 0.8,
		Params: map[string]float64{
			"otf":            0.1,
			"window_min":     5,
			"window_max":     5,
			"learning_steps": 10,
		},
	}
	bursty := cpuWindow(0.5, 0.5, 0.5, 0.5, 0.5, 0.9, 0.9, 0.5, 0.5, 0.9)

	t.Run("learning", func(t *testing.T) {
		d := mustOverload(t, spec)
		if d.Overloaded(cpuWindow(0.9, 0.9, 0.9)) {
			t.Error("detector must not fire before learning_steps samples")
		}
	})

	t.Run("below threshold", func(t *testing.T) {
		d := mustOverload(t, spec)
		if d.Overloaded(cpuWindow(0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.5)) {
			t.Error("host currently below the threshold must not be overloaded")
		}
	})

	t.Run("sustained overload", func(t *testing.T) {
		d := mustOverload(t, spec)
		if !d.Overloaded(cpuWindow(0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9)) {
			t.Error("host pinned above the threshold should be overloaded")
		}
	})

	t.Run("burst without history", func(t *testing.T) {
		d := mustOverload(t, spec)
		if !d.Overloaded(bursty) {
			t.Error("burst on a host with no calm history should be overloaded")
		}
	})

	t.Run("burst after calm history", func(t *testing.T) {
		d := mustOverload(t, spec)
		for range 99 {
			if d.Overloaded(cpuWindow(0.5)) {
				t.Fatal("calm host must not be overloaded")
			}
		}
		if d.Overloaded(bursty) {
			t.Error("short burst within the otf budget should not be overloaded")
		}
	})
}

func TestMHODOverload_RejectsTinyWindows(t *testing.T) {
	_, err := NewOverloadDetector(Spec{Strategy: "mhod", Threshold: 0.8, Params: map[string]float64{"window_min": 1}})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_RejectsUnknownAndNonPositive(t *testing.T) {
	if _, err := NewUnderloadDetector(Spec{Strategy: "nope", Threshold: 0.1, Window: 1}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("unknown strategy: error = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewOverloadDetector(Spec{Strategy: "average", Threshold: 0.9, Window: 0}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("zero window: error = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewPlacementPlanner(Spec{Strategy: "best_fit_decreasing", Threshold: -1}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("negative threshold: error = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewPlacementPlanner(Spec{Strategy: "best_fit_decreasing", Threshold: 1.5}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("threshold above capacity: error = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewPlacementPlanner(Spec{Strategy: "best_fit_decreasing", Threshold: 0.9,
		Params: map[string]float64{"memory_threshold": 1.2}}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("memory threshold above capacity: error = %v, want ErrInvalidArgument", err)
	}
}

// Underload is evaluated with <= low and overload with > high. With low < high
// the two classifications can never hold at the same time.
func TestDetectors_NeverBothTrue(t *testing.T) {
	under := mustUnderload(t, Spec{Strategy: "average", Threshold: 0.3, Window: 2, Confirm: 1})
	over := mustOverload(t, Spec{Strategy: "average", Threshold: 0.9, Window: 2, Confirm: 1})

	for a := 0.0; a <= 1.2; a += 0.05 {
		for b := 0.0; b <= 1.2; b += 0.05 {
			w := cpuWindow(a, b)
			if under.Underloaded(w) && over.Overloaded(w) {
				t.Fatalf("window %v classified as both underloaded and overloaded", w)
			}
		}
	}
}
