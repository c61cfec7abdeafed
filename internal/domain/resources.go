// Package domain contains the consolidation data model and error taxonomy.
package domain

import "fmt"

// Dimension names one axis of a resource vector.
type Dimension int

const (
	DimensionCPU Dimension = iota
	DimensionMemory
)

// Dimensions lists every dimension in a fixed order.
var Dimensions = []Dimension{DimensionCPU, DimensionMemory}

func (d Dimension) String() string {
	switch d {
	case DimensionCPU:
		return "cpu"
	case DimensionMemory:
		return "memory"
	default:
		return fmt.Sprintf("dimension(%d)", int(d))
	}
}

// Resources is a per-dimension resource vector. Depending on context it holds
// absolute amounts (capacity, demand, usage) or ratios of a capacity.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// Get returns the value of one dimension.
func (r Resources) Get(d Dimension) float64 {
	switch d {
	case DimensionCPU:
		return r.CPU
	case DimensionMemory:
		return r.Memory
	}
	return 0
}

// Set returns a copy of r with dimension d set to v.
func (r Resources) Set(d Dimension, v float64) Resources {
	switch d {
	case DimensionCPU:
		r.CPU = v
	case DimensionMemory:
		r.Memory = v
	}
	return r
}

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory}
}

// Sub returns r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory}
}

// Scale multiplies every dimension by f.
func (r Resources) Scale(f float64) Resources {
	return Resources{CPU: r.CPU * f, Memory: r.Memory * f}
}

// Ratio divides r by capacity per dimension. A dimension with no capacity
// yields 0 so that untracked dimensions never drive a decision.
func (r Resources) Ratio(capacity Resources) Resources {
	var out Resources
	for _, d := range Dimensions {
		c := capacity.Get(d)
		if c <= 0 {
			continue
		}
		out = out.Set(d, r.Get(d)/c)
	}
	return out
}

// Max returns the largest component.
func (r Resources) Max() float64 {
	if r.Memory > r.CPU {
		return r.Memory
	}
	return r.CPU
}

// FitsWithin reports whether every dimension of r is <= limit.
func (r Resources) FitsWithin(limit Resources) bool {
	const epsilon = 1e-9
	for _, d := range Dimensions {
		if r.Get(d) > limit.Get(d)+epsilon {
			return false
		}
	}
	return true
}

// IsZero reports whether all dimensions are zero.
func (r Resources) IsZero() bool {
	return r.CPU == 0 && r.Memory == 0
}

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%.3f memory=%.3f", r.CPU, r.Memory)
}
