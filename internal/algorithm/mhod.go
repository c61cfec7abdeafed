package algorithm

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// mhodOverload is the Markov host overload detector. A host is in state 0
// below the threshold and in state 1 at or above it. Transition
// probabilities are estimated from the window with multisize sliding
// windows, and the host is overloaded when no pair of leave probabilities
// keeps the projected overload time fraction under otf.
type mhodOverload struct {
	threshold     float64
	otf           float64
	windowSizes   []int
	step          float64
	learningSteps int
	migrationTime float64

	timeInStates   int
	timeInOverload int
}

const mhodStates = 2

func newMHODOverload(spec Spec) (OverloadDetector, error) {
	if err := requirePositive(spec, false); err != nil {
		return nil, err
	}
	lo := int(spec.Param("window_min", 30))
	hi := int(spec.Param("window_max", 100))
	inc := int(spec.Param("window_step", 10))
	if lo < 2 || hi < lo {
		return nil, errNonPositive("window_min", spec.Strategy)
	}
	if inc <= 0 {
		inc = 1
	}
	var sizes []int
	for ws := lo; ws <= hi; ws += inc {
		sizes = append(sizes, ws)
	}
	step := spec.Param("step", 0.5)
	if step <= 0 {
		return nil, errNonPositive("step", spec.Strategy)
	}
	return &mhodOverload{
		threshold:     spec.Threshold,
		otf:           spec.Param("otf", 0.1),
		windowSizes:   sizes,
		step:          step,
		learningSteps: int(spec.Param("learning_steps", 10)),
		migrationTime: spec.MigrationTime,
	}, nil
}

func (d *mhodOverload) Overloaded(w Window) bool {
	if len(w) == 0 {
		return false
	}
	states := make([]int, len(w))
	for i, r := range w {
		states[i] = d.state(r.Max())
	}
	current := states[len(states)-1]

	d.timeInStates++
	if current == mhodStates-1 {
		d.timeInOverload++
	}
	if len(w) < d.learningSteps || current != mhodStates-1 {
		return false
	}

	p := estimateTransitions(states, d.windowSizes)
	if p.At(1, 1) <= 0 {
		return false
	}
	initial := []float64{0, 1}
	_, _, ok := d.optimize(initial, p)
	return !ok
}

func (d *mhodOverload) state(utilization float64) int {
	if utilization >= d.threshold {
		return 1
	}
	return 0
}

// optimize searches the [0,1]x[0,1] grid for the leave probabilities that
// maximise the expected time until migration while the overload time
// fraction stays within otf.
func (d *mhodOverload) optimize(initial []float64, p *mat.Dense) (float64, float64, bool) {
	var best, m0, m1 float64
	found := false
	for i := 0; float64(i)*d.step <= 1+1e-9; i++ {
		for j := 0; float64(j)*d.step <= 1+1e-9; j++ {
			x, y := float64(i)*d.step, float64(j)*d.step
			l0, l1, ok := twoStateL(initial, p, x, y)
			if !ok {
				continue
			}
			res := l0 + l1
			fraction := (d.migrationTime + float64(d.timeInOverload) + l1) /
				(d.migrationTime + float64(d.timeInStates) + l0 + l1)
			if res > best && fraction <= d.otf {
				best, m0, m1, found = res, x, y, true
			}
		}
	}
	return m0, m1, found
}

// twoStateL returns the expected time spent in each state before the
// migration fires, given leave probabilities m0 and m1.
func twoStateL(initial []float64, p *mat.Dense, m0, m1 float64) (float64, float64, bool) {
	p0, p1 := initial[0], initial[1]
	p00, p01 := p.At(0, 0), p.At(0, 1)
	p10, p11 := p.At(1, 0), p.At(1, 1)

	den := p00*(m1*(p11-m0*p11)-p11+m0*(p11-1)+1) -
		m1*p11 + p11 + (m1*(m0*p01-p01)-m0*p01+p01)*p10 - 1
	if den == 0 {
		return 0, 0, false
	}
	l0 := (p0*(-m1*p11+p11-1) + (m1*p1-p1)*p10) / den
	l1 := -(p00*(m0*p1-p1) + p1 + p0*(p01-m0*p01)) / den
	return l0, l1, true
}

// estimateTransitions replays the state history through per-state request
// windows and picks, for every transition, the largest window whose
// estimate variance is still acceptable.
func estimateTransitions(states []int, sizes []int) *mat.Dense {
	maxSize := sizes[len(sizes)-1]
	requests := make([][]int, mhodStates)
	// estimates[i][j][k] holds the estimates of i->j for sizes[k].
	estimates := make([][][][]float64, mhodStates)
	variances := make([][][]float64, mhodStates)
	acceptable := make([][][]float64, mhodStates)
	for i := range mhodStates {
		estimates[i] = make([][][]float64, mhodStates)
		variances[i] = make([][]float64, mhodStates)
		acceptable[i] = make([][]float64, mhodStates)
		for j := range mhodStates {
			estimates[i][j] = make([][]float64, len(sizes))
			variances[i][j] = ones(len(sizes))
			acceptable[i][j] = ones(len(sizes))
		}
	}

	previous := 0
	for _, current := range states {
		requests[previous] = appendBounded(requests[previous], current, maxSize)
		for j := range mhodStates {
			for k, ws := range sizes {
				window := requests[previous]
				if len(window) > ws {
					window = window[len(window)-ws:]
				}
				estimate := float64(count(window, j)) / float64(ws)
				est := appendBounded(estimates[previous][j][k], estimate, ws)
				estimates[previous][j][k] = est

				if len(est) < ws {
					variances[previous][j][k] = 1
				} else {
					variances[previous][j][k] = stat.Variance(est, nil)
				}
				acceptable[previous][j][k] = estimate * (1 - estimate) / float64(ws)
			}
		}
		previous = current
	}

	p := mat.NewDense(mhodStates, mhodStates, nil)
	for i := range mhodStates {
		for j := range mhodStates {
			selected := 0
			for k := range sizes {
				if variances[i][j][k] > acceptable[i][j][k] {
					break
				}
				selected = k
			}
			if est := estimates[i][j][selected]; len(est) > 0 {
				p.Set(i, j, est[len(est)-1])
			}
		}
	}
	return p
}

func appendBounded[T any](xs []T, v T, limit int) []T {
	xs = append(xs, v)
	if len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	return xs
}

func count(xs []int, v int) int {
	n := 0
	for _, x := range xs {
		if x == v {
			n++
		}
	}
	return n
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
