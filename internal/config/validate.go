package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/limiquantix/consolidator/internal/algorithm"
)

// Validate rejects configurations the control plane cannot run with.
func (c *Config) Validate() error {
	var errs []error

	a := c.Algorithms
	errs = append(errs,
		checkStrategy("underload", a.Underload.Strategy, algorithm.UnderloadStrategies()),
		checkStrategy("overload", a.Overload.Strategy, algorithm.OverloadStrategies()),
		checkStrategy("selection", a.Selection.Strategy, algorithm.SelectionStrategies()),
		checkStrategy("placement", a.Placement.Strategy, algorithm.PlacementStrategies()),
	)

	if a.Underload.Strategy != "always" {
		errs = append(errs, positive("algorithms.underload.threshold", a.Underload.Threshold))
	}
	errs = append(errs,
		ratio("algorithms.overload.threshold", a.Overload.Threshold),
		ratio("algorithms.placement.threshold", a.Placement.Threshold),
		positiveInt("algorithms.underload.window", a.Underload.Window),
		positiveInt("algorithms.overload.window", a.Overload.Window),
		positive("algorithms.network_bandwidth", a.NetworkBandwidth),
	)
	if a.Selection.Margin < 0 {
		errs = append(errs, fmt.Errorf("algorithms.selection.margin must not be negative, got %v", a.Selection.Margin))
	}
	if a.Underload.Strategy != "always" && a.Underload.Threshold >= a.Overload.Threshold {
		errs = append(errs, fmt.Errorf("algorithms.underload.threshold (%v) must be below algorithms.overload.threshold (%v)",
			a.Underload.Threshold, a.Overload.Threshold))
	}

	errs = append(errs,
		positiveInt("telemetry.window_size", c.Telemetry.WindowSize),
		positiveDuration("telemetry.interval", c.Telemetry.Interval.Seconds()),
		positiveDuration("local.interval", c.Local.Interval.Seconds()),
		positiveInt("global.queue_size", c.Global.QueueSize),
		positiveInt("orchestrator.max_concurrent", c.Orchestrator.MaxConcurrent),
		positiveInt("orchestrator.max_attempts", c.Orchestrator.MaxAttempts),
		positiveDuration("orchestrator.call_timeout", c.Orchestrator.CallTimeout.Seconds()),
		positiveDuration("orchestrator.poll_interval", c.Orchestrator.PollInterval.Seconds()),
		positiveDuration("orchestrator.migration_timeout", c.Orchestrator.MigrationTimeout.Seconds()),
	)
	if c.Telemetry.WindowSize < max(a.Underload.Window, a.Overload.Window) {
		errs = append(errs, fmt.Errorf("telemetry.window_size (%d) is smaller than the detector windows", c.Telemetry.WindowSize))
	}

	switch c.Cloud.Driver {
	case "memory":
	case "nova":
		if c.Cloud.Nova.AuthURL == "" {
			errs = append(errs, errors.New("cloud.nova.auth_url is required for the nova driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cloud.driver %q", c.Cloud.Driver))
	}

	return errors.Join(errs...)
}

func checkStrategy(point, name string, known []string) error {
	if !slices.Contains(known, name) {
		return fmt.Errorf("algorithms.%s.strategy: unknown strategy %q (known: %v)", point, name, known)
	}
	return nil
}

func positive(key string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %v", key, v)
	}
	return nil
}

// ratio accepts fractions of host capacity in (0, 1].
func ratio(key string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be within (0, 1], got %v", key, v)
	}
	return nil
}

func positiveInt(key string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return nil
}

func positiveDuration(key string, seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("%s must be a positive duration", key)
	}
	return nil
}

// UnderloadSpec converts the underload section into a strategy spec.
func (c AlgorithmsConfig) UnderloadSpec() algorithm.Spec { return c.Underload.spec() }

// OverloadSpec converts the overload section into a strategy spec.
func (c AlgorithmsConfig) OverloadSpec() algorithm.Spec { return c.Overload.spec() }

// SelectionSpec converts the selection section into a strategy spec.
func (c AlgorithmsConfig) SelectionSpec() algorithm.Spec { return c.Selection.spec() }

// PlacementSpec converts the placement section into a strategy spec.
func (c AlgorithmsConfig) PlacementSpec() algorithm.Spec { return c.Placement.spec() }

func (c AlgorithmConfig) spec() algorithm.Spec {
	return algorithm.Spec{
		Strategy:  c.Strategy,
		Threshold: c.Threshold,
		Window:    c.Window,
		Confirm:   c.Confirm,
		Margin:    c.Margin,
		Params:    c.Params,
	}
}
