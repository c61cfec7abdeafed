package algorithm

import (
	"fmt"
	"sort"

	"github.com/limiquantix/consolidator/internal/domain"
)

var underloadStrategies = map[string]func(Spec) (UnderloadDetector, error){
	"average":   newAverageUnderload,
	"threshold": newThresholdUnderload,
	"always":    func(Spec) (UnderloadDetector, error) { return alwaysUnderload{}, nil },
}

var overloadStrategies = map[string]func(Spec) (OverloadDetector, error){
	"average":      newAverageOverload,
	"threshold":    newThresholdOverload,
	"otf":          newOTFOverload,
	"mad":          newMADOverload,
	"iqr":          newIQROverload,
	"loess":        newLoessOverload(false),
	"loess_robust": newLoessOverload(true),
	"mhod":         newMHODOverload,
}

var selectionStrategies = map[string]func(Spec) (VMSelector, error){
	"fewest":                         newFewestSelector,
	"minimum_utilization":            newMinimumUtilizationSelector,
	"minimum_migration_time":         newMinimumMigrationTimeSelector,
	"minimum_migration_time_max_cpu": newMinimumMigrationTimeMaxCPUSelector,
	"random":                         newRandomSelector,
}

var placementStrategies = map[string]func(Spec) (PlacementPlanner, error){
	"best_fit_decreasing": newBestFitDecreasing,
}

// NewUnderloadDetector creates the named underload detector.
func NewUnderloadDetector(spec Spec) (UnderloadDetector, error) {
	f, ok := underloadStrategies[spec.Strategy]
	if !ok {
		return nil, errUnknown("underload", spec.Strategy, UnderloadStrategies())
	}
	return f(spec)
}

// NewOverloadDetector creates the named overload detector.
func NewOverloadDetector(spec Spec) (OverloadDetector, error) {
	f, ok := overloadStrategies[spec.Strategy]
	if !ok {
		return nil, errUnknown("overload", spec.Strategy, OverloadStrategies())
	}
	return f(spec)
}

// NewVMSelector creates the named VM selector.
func NewVMSelector(spec Spec) (VMSelector, error) {
	f, ok := selectionStrategies[spec.Strategy]
	if !ok {
		return nil, errUnknown("selection", spec.Strategy, SelectionStrategies())
	}
	return f(spec)
}

// NewPlacementPlanner creates the named placement planner.
func NewPlacementPlanner(spec Spec) (PlacementPlanner, error) {
	f, ok := placementStrategies[spec.Strategy]
	if !ok {
		return nil, errUnknown("placement", spec.Strategy, PlacementStrategies())
	}
	return f(spec)
}

// UnderloadStrategies lists the registered underload strategy names.
func UnderloadStrategies() []string { return names(underloadStrategies) }

// OverloadStrategies lists the registered overload strategy names.
func OverloadStrategies() []string { return names(overloadStrategies) }

// SelectionStrategies lists the registered selection strategy names.
func SelectionStrategies() []string { return names(selectionStrategies) }

// PlacementStrategies lists the registered placement strategy names.
func PlacementStrategies() []string { return names(placementStrategies) }

func names[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func errUnknown(point, name string, known []string) error {
	return fmt.Errorf("unknown %s strategy %q (known: %v): %w", point, name, known, domain.ErrInvalidArgument)
}

func errNonPositive(field, strategy string) error {
	return fmt.Errorf("strategy %q requires a positive %s: %w", strategy, field, domain.ErrInvalidArgument)
}

func requirePositive(spec Spec, window bool) error {
	if spec.Threshold <= 0 {
		return errNonPositive("threshold", spec.Strategy)
	}
	if window && spec.Window <= 0 {
		return errNonPositive("window", spec.Strategy)
	}
	return nil
}
