package algorithm

import "github.com/limiquantix/consolidator/internal/domain"

// anyDimension reports whether f holds for at least one dimension series.
func anyDimension(w Window, f func(series []float64) bool) bool {
	for _, dim := range domain.Dimensions {
		if f(w.Series(dim)) {
			return true
		}
	}
	return false
}

// averageOverload mirrors averageUnderload with the high threshold: the mean
// of the last Window samples and each of the last Confirm samples exceed it.
type averageOverload struct {
	threshold float64
	window    int
	confirm   int
}

func newAverageOverload(spec Spec) (OverloadDetector, error) {
	if err := requirePositive(spec, true); err != nil {
		return nil, err
	}
	return &averageOverload{
		threshold: spec.Threshold,
		window:    spec.Window,
		confirm:   max(spec.Confirm, 1),
	}, nil
}

func (d *averageOverload) Overloaded(w Window) bool {
	if len(w) < max(d.window, d.confirm) {
		return false
	}
	return anyDimension(w, func(series []float64) bool {
		if mean(lastN(series, d.window)) <= d.threshold {
			return false
		}
		for _, v := range lastN(series, d.confirm) {
			if v <= d.threshold {
				return false
			}
		}
		return true
	})
}

type thresholdOverload struct {
	threshold float64
}

func newThresholdOverload(spec Spec) (OverloadDetector, error) {
	if err := requirePositive(spec, false); err != nil {
		return nil, err
	}
	return &thresholdOverload{threshold: spec.Threshold}, nil
}

func (d *thresholdOverload) Overloaded(w Window) bool {
	if len(w) == 0 {
		return false
	}
	return w.Last().Max() > d.threshold
}

// otfOverload is the overload-time-fraction detector. It counts how many of
// the observed intervals were overloaded and fires when that fraction,
// padded by the time a migration takes, reaches the otf parameter.
type otfOverload struct {
	otf           float64
	threshold     float64
	limit         int
	migrationTime float64

	overloaded int
	total      int
}

func newOTFOverload(spec Spec) (OverloadDetector, error) {
	if err := requirePositive(spec, true); err != nil {
		return nil, err
	}
	return &otfOverload{
		otf:           spec.Param("otf", 0.1),
		threshold:     spec.Threshold,
		limit:         spec.Window,
		migrationTime: spec.MigrationTime,
	}, nil
}

func (d *otfOverload) Overloaded(w Window) bool {
	if len(w) == 0 {
		return false
	}
	d.total++
	overload := w.Last().Max() >= d.threshold
	if overload {
		d.overloaded++
	}
	if !overload || len(w) < d.limit {
		return false
	}
	fraction := (d.migrationTime + float64(d.overloaded)) / (d.migrationTime + float64(d.total))
	return fraction >= d.otf
}

// adaptiveOverload compares the newest sample against 1 - param*spread(x),
// where spread is MAD or IQR.
type adaptiveOverload struct {
	param  float64
	limit  int
	spread func([]float64) float64
}

func newMADOverload(spec Spec) (OverloadDetector, error) {
	if spec.Window <= 0 {
		return nil, errNonPositive("window", spec.Strategy)
	}
	return &adaptiveOverload{param: spec.Param("param", 2.5), limit: spec.Window, spread: mad}, nil
}

func newIQROverload(spec Spec) (OverloadDetector, error) {
	if spec.Window <= 0 {
		return nil, errNonPositive("window", spec.Strategy)
	}
	return &adaptiveOverload{param: spec.Param("param", 1.5), limit: spec.Window, spread: iqr}, nil
}

func (d *adaptiveOverload) Overloaded(w Window) bool {
	if len(w) < d.limit {
		return false
	}
	return anyDimension(w, func(series []float64) bool {
		last := series[len(series)-1]
		if last == 0 {
			return false
		}
		return 1-d.param*d.spread(series) <= last
	})
}

// loessOverload fits a local linear regression to the last Window samples
// and extrapolates it by one migration time.
type loessOverload struct {
	threshold     float64
	param         float64
	length        int
	migrationTime float64
	estimate      func([]float64) (float64, float64, bool)
}

func newLoessOverload(robust bool) func(Spec) (OverloadDetector, error) {
	return func(spec Spec) (OverloadDetector, error) {
		if err := requirePositive(spec, true); err != nil {
			return nil, err
		}
		d := &loessOverload{
			threshold:     spec.Threshold,
			param:         spec.Param("param", 1.2),
			length:        spec.Window,
			migrationTime: spec.MigrationTime,
			estimate:      loessEstimates,
		}
		if robust {
			d.estimate = loessRobustEstimates
		}
		return d, nil
	}
}

func (d *loessOverload) Overloaded(w Window) bool {
	if len(w) < d.length || d.length < 2 {
		return false
	}
	return anyDimension(w, func(series []float64) bool {
		a, b, ok := d.estimate(lastN(series, d.length))
		if !ok {
			return false
		}
		prediction := a + b*(float64(d.length)+d.migrationTime)
		return d.param*prediction >= d.threshold
	})
}
