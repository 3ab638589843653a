// Package domain holds the value types and error taxonomy shared by every
// module of the optimization loop.
package domain

import (
	"fmt"
	"strings"
)

// ParameterVector is an ordered, fixed-length sequence of real parameters.
//
// The vector has value semantics: constructors copy their input and every
// operation that "changes" a vector returns a new one. Concurrent evaluations
// can therefore share a vector without aliasing the optimizer's state.
type ParameterVector struct {
	values []float64
}

// NewParameterVector creates a vector holding a copy of values.
func NewParameterVector(values ...float64) ParameterVector {
	v := make([]float64, len(values))
	copy(v, values)
	return ParameterVector{values: v}
}

// Zeros creates a vector of n zero parameters.
func Zeros(n int) ParameterVector {
	if n < 0 {
		n = 0
	}
	return ParameterVector{values: make([]float64, n)}
}

// Len returns the number of parameters.
func (p ParameterVector) Len() int {
	return len(p.values)
}

// At returns the i-th parameter. It panics when i is out of range, like a slice.
func (p ParameterVector) At(i int) float64 {
	return p.values[i]
}

// Values returns a copy of the parameters.
func (p ParameterVector) Values() []float64 {
	out := make([]float64, len(p.values))
	copy(out, p.values)
	return out
}

// With returns a new vector where parameter i is replaced by value.
func (p ParameterVector) With(i int, value float64) (ParameterVector, error) {
	if i < 0 || i >= len(p.values) {
		return ParameterVector{}, NewConfigurationError("parameter index %d out of range [0,%d)", i, len(p.values))
	}
	out := p.Values()
	out[i] = value
	return ParameterVector{values: out}, nil
}

// Slice returns a copy of parameters [offset, offset+length).
func (p ParameterVector) Slice(offset, length int) (ParameterVector, error) {
	if offset < 0 || length < 0 || offset+length > len(p.values) {
		return ParameterVector{}, NewConfigurationError(
			"parameter slice [%d:%d] out of range for vector of length %d", offset, offset+length, len(p.values))
	}
	return NewParameterVector(p.values[offset : offset+length]...), nil
}

// Add returns p + other. Both vectors must have the same length.
func (p ParameterVector) Add(other ParameterVector) (ParameterVector, error) {
	if len(p.values) != len(other.values) {
		return ParameterVector{}, NewConfigurationError(
			"cannot add vectors of length %d and %d", len(p.values), len(other.values))
	}
	out := make([]float64, len(p.values))
	for i := range out {
		out[i] = p.values[i] + other.values[i]
	}
	return ParameterVector{values: out}, nil
}

// Scale returns factor * p.
func (p ParameterVector) Scale(factor float64) ParameterVector {
	out := make([]float64, len(p.values))
	for i, v := range p.values {
		out[i] = v * factor
	}
	return ParameterVector{values: out}
}

// Transfer moves rate of the way from base towards p: base + rate*(p - base).
func (p ParameterVector) Transfer(base ParameterVector, rate float64) (ParameterVector, error) {
	if len(p.values) != len(base.values) {
		return ParameterVector{}, NewConfigurationError(
			"transfer base has length %d, parameters have length %d", len(base.values), len(p.values))
	}
	out := make([]float64, len(p.values))
	for i := range out {
		out[i] = base.values[i] + rate*(p.values[i]-base.values[i])
	}
	return ParameterVector{values: out}, nil
}

// Equal reports whether both vectors hold the same parameters.
func (p ParameterVector) Equal(other ParameterVector) bool {
	if len(p.values) != len(other.values) {
		return false
	}
	for i := range p.values {
		if p.values[i] != other.values[i] {
			return false
		}
	}
	return true
}

// String formats the vector for logs.
func (p ParameterVector) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
