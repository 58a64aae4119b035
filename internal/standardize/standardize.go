// Package standardize converts fields to zero-mean, unit-variance form and
// back. Axis 0 of a field is time; statistics are kept per remaining position
// so predictions can be mapped back to physical units.
package standardize

import (
	"errors"
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDegenerateVariance is returned under the Strict policy when a
	// position has zero temporal variance.
	ErrDegenerateVariance = errors.New("standardize: zero variance")

	// ErrNonFinite is returned when a per-position field contains NaN or Inf.
	ErrNonFinite = errors.New("standardize: non-finite value")

	// ErrShape is returned when data does not match the fitted statistics.
	ErrShape = errors.New("standardize: shape mismatch")
)

// Policy decides what happens at positions whose std is exactly zero.
type Policy int

const (
	// UnitStd divides by 1 instead of 0, leaving the centered values (all 0).
	UnitStd Policy = iota
	// Strict fails with ErrDegenerateVariance.
	Strict
)

func (p Policy) String() string {
	switch p {
	case UnitStd:
		return "unit_std"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "unit_std":
		return UnitStd, nil
	case "strict":
		return Strict, nil
	default:
		return 0, fmt.Errorf("standardize: unknown zero-variance policy %q", s)
	}
}

// Options configure a fit.
type Options struct {
	ZeroVariance Policy
}

// Stats are the fitted mean and population std. For per-position stats Mean
// and Std have one entry per element of Shape, in row-major order; global
// stats hold a single entry and broadcast to any shape.
type Stats struct {
	Shape      []int     `json:"shape,omitempty"`
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
	Global     bool      `json:"global"`
	Degenerate []int     `json:"degenerate,omitempty"` // positions whose std was 0
}

// Positions is the number of independent (mean, std) pairs.
func (s *Stats) Positions() int { return len(s.Mean) }

func fitPosition(values []float64, pos int, opts Options, st *Stats) error {
	mean, std := stat.PopMeanStdDev(values, nil)
	if std == 0 {
		if opts.ZeroVariance == Strict {
			return fmt.Errorf("%w at position %d", ErrDegenerateVariance, pos)
		}
		st.Degenerate = append(st.Degenerate, pos)
		std = 1
	}
	st.Mean[pos] = mean
	st.Std[pos] = std
	return nil
}

// FitTransform standardizes field independently at every non-time position.
// The field must have at least two axes and no NaN/Inf values.
func FitTransform(field *sparse.DenseArray, opts Options) (*sparse.DenseArray, *Stats, error) {
	if field == nil || len(field.Shape) < 2 {
		return nil, nil, fmt.Errorf("%w: need (time, ...) field", ErrShape)
	}
	nt := field.Shape[0]
	if nt == 0 {
		return nil, nil, fmt.Errorf("%w: empty time axis", ErrShape)
	}
	positions := len(field.Elements) / nt

	st := &Stats{
		Shape: append([]int(nil), field.Shape[1:]...),
		Mean:  make([]float64, positions),
		Std:   make([]float64, positions),
	}
	column := make([]float64, nt)
	for p := 0; p < positions; p++ {
		for t := 0; t < nt; t++ {
			v := field.Elements[t*positions+p]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, fmt.Errorf("%w at time %d, position %d", ErrNonFinite, t, p)
			}
			column[t] = v
		}
		if err := fitPosition(column, p, opts, st); err != nil {
			return nil, nil, err
		}
	}

	out, err := st.Transform(field)
	if err != nil {
		return nil, nil, err
	}
	return out, st, nil
}

// FitTransformGlobal standardizes values with one mean and std computed over
// every non-NaN entry. NaN entries stay NaN.
func FitTransformGlobal(values *sparse.DenseArray, opts Options) (*sparse.DenseArray, *Stats, error) {
	if values == nil || len(values.Elements) == 0 {
		return nil, nil, fmt.Errorf("%w: empty values", ErrShape)
	}
	present := make([]float64, 0, len(values.Elements))
	for _, v := range values.Elements {
		if math.IsInf(v, 0) {
			return nil, nil, ErrNonFinite
		}
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return nil, nil, fmt.Errorf("%w: every value is missing", ErrDegenerateVariance)
	}

	st := &Stats{Mean: make([]float64, 1), Std: make([]float64, 1), Global: true}
	if err := fitPosition(present, 0, opts, st); err != nil {
		return nil, nil, err
	}
	out, err := st.Transform(values)
	if err != nil {
		return nil, nil, err
	}
	return out, st, nil
}

// positionOf returns the stats index for flat element i of an array whose
// trailing axes match s.Shape.
func (s *Stats) positionOf(i int) int {
	if s.Global {
		return 0
	}
	return i % len(s.Mean)
}

func (s *Stats) check(a *sparse.DenseArray) error {
	if a == nil {
		return fmt.Errorf("%w: nil array", ErrShape)
	}
	if s.Global {
		return nil
	}
	if len(a.Shape) != len(s.Shape)+1 {
		return fmt.Errorf("%w: got %v, want (n, %v)", ErrShape, a.Shape, s.Shape)
	}
	for i, d := range s.Shape {
		if a.Shape[i+1] != d {
			return fmt.Errorf("%w: got %v, want (n, %v)", ErrShape, a.Shape, s.Shape)
		}
	}
	return nil
}

// Transform applies fitted statistics to a, which may have a different
// length along axis 0 than the data they were fitted on.
func (s *Stats) Transform(a *sparse.DenseArray) (*sparse.DenseArray, error) {
	if err := s.check(a); err != nil {
		return nil, err
	}
	out := sparse.ZerosDense(a.Shape...)
	for i, v := range a.Elements {
		p := s.positionOf(i)
		out.Elements[i] = (v - s.Mean[p]) / s.Std[p]
	}
	return out, nil
}

// Inverse maps standardized values back: value = standardized*std + mean.
func (s *Stats) Inverse(std *sparse.DenseArray) (*sparse.DenseArray, error) {
	if err := s.check(std); err != nil {
		return nil, err
	}
	out := sparse.ZerosDense(std.Shape...)
	for i, v := range std.Elements {
		p := s.positionOf(i)
		out.Elements[i] = v*s.Std[p] + s.Mean[p]
	}
	return out, nil
}

// InverseValue de-standardizes one value at flat position pos (ignored for
// global stats).
func (s *Stats) InverseValue(v float64, pos int) float64 {
	if s.Global {
		pos = 0
	}
	return v*s.Std[pos] + s.Mean[pos]
}
