package algorithm

import "github.com/limiquantix/consolidator/internal/domain"

// averageUnderload requires the mean of the last Window samples and each of
// the last Confirm samples to be at or below the threshold in every dimension.
type averageUnderload struct {
	threshold float64
	window    int
	confirm   int
}

func newAverageUnderload(spec Spec) (UnderloadDetector, error) {
	if err := requirePositive(spec, true); err != nil {
		return nil, err
	}
	return &averageUnderload{
		threshold: spec.Threshold,
		window:    spec.Window,
		confirm:   max(spec.Confirm, 1),
	}, nil
}

func (d *averageUnderload) Underloaded(w Window) bool {
	if len(w) < max(d.window, d.confirm) {
		return false
	}
	for _, dim := range domain.Dimensions {
		series := w.Series(dim)
		if mean(lastN(series, d.window)) > d.threshold {
			return false
		}
		for _, v := range lastN(series, d.confirm) {
			if v > d.threshold {
				return false
			}
		}
	}
	return true
}

// thresholdUnderload looks at the newest sample only.
type thresholdUnderload struct {
	threshold float64
}

func newThresholdUnderload(spec Spec) (UnderloadDetector, error) {
	if err := requirePositive(spec, false); err != nil {
		return nil, err
	}
	return &thresholdUnderload{threshold: spec.Threshold}, nil
}

func (d *thresholdUnderload) Underloaded(w Window) bool {
	if len(w) == 0 {
		return false
	}
	last := w.Last()
	for _, dim := range domain.Dimensions {
		if last.Get(dim) > d.threshold {
			return false
		}
	}
	return true
}

// alwaysUnderload evacuates every host it is asked about. Useful to drain a
// cluster in tests and maintenance windows.
type alwaysUnderload struct{}

func (alwaysUnderload) Underloaded(Window) bool { return true }
