// Package dataset assembles standardized fields and targets into model-ready
// samples and partitions them into train, test and validation subsets.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ctessum/sparse"
)

var (
	// ErrShapeMismatch is returned when fields or targets disagree on axes.
	ErrShapeMismatch = errors.New("dataset: shape mismatch")

	// ErrEmpty is returned when there is nothing to assemble.
	ErrEmpty = errors.New("dataset: empty")
)

// DateLayout is the calendar-day key shared by fields and targets.
const DateLayout = "2006-01-02"

// Field is one named variable on a (time, lat, lon) grid.
type Field struct {
	Name string
	Data *sparse.DenseArray
}

// Samples is the channels-last tensor (sample, height, width, channel).
type Samples struct {
	Channels []string
	Data     *sparse.DenseArray
}

// Len is the number of samples.
func (s *Samples) Len() int { return s.Data.Shape[0] }

// SampleShape is the per-sample (height, width, channel) shape.
func (s *Samples) SampleShape() []int { return append([]int(nil), s.Data.Shape[1:]...) }

func (s *Samples) width() int { return len(s.Data.Elements) / s.Data.Shape[0] }

// Row returns sample i as a flat row-major slice. The slice aliases Data.
func (s *Samples) Row(i int) []float64 {
	w := s.width()
	return s.Data.Elements[i*w : (i+1)*w : (i+1)*w]
}

// Rows returns every sample as an aliasing row.
func (s *Samples) Rows() [][]float64 {
	out := make([][]float64, s.Len())
	for i := range out {
		out[i] = s.Row(i)
	}
	return out
}

// Subset gathers samples in index order into a new tensor.
func (s *Samples) Subset(idx []int) *Samples {
	shape := append([]int{len(idx)}, s.Data.Shape[1:]...)
	out := sparse.ZerosDense(shape...)
	w := s.width()
	for k, i := range idx {
		copy(out.Elements[k*w:(k+1)*w], s.Row(i))
	}
	return &Samples{Channels: s.Channels, Data: out}
}

// Stack concatenates fields along a new trailing channel axis in the given
// order. Every field must be 3-D with identical (time, height, width) axes.
func Stack(fields []Field) (*Samples, error) {
	if len(fields) == 0 {
		return nil, ErrEmpty
	}
	ref := fields[0].Data
	if ref == nil || len(ref.Shape) != 3 {
		return nil, fmt.Errorf("%w: field %q is not (time, lat, lon)", ErrShapeMismatch, fields[0].Name)
	}
	for _, f := range fields[1:] {
		if f.Data == nil || len(f.Data.Shape) != 3 {
			return nil, fmt.Errorf("%w: field %q is not (time, lat, lon)", ErrShapeMismatch, f.Name)
		}
		for a := 0; a < 3; a++ {
			if f.Data.Shape[a] != ref.Shape[a] {
				return nil, fmt.Errorf("%w: field %q has shape %v, %q has %v",
					ErrShapeMismatch, f.Name, f.Data.Shape, fields[0].Name, ref.Shape)
			}
		}
	}

	nc := len(fields)
	nt, nh, nw := ref.Shape[0], ref.Shape[1], ref.Shape[2]
	out := sparse.ZerosDense(nt, nh, nw, nc)
	names := make([]string, nc)
	pixels := nt * nh * nw
	for c, f := range fields {
		names[c] = f.Name
		for i := 0; i < pixels; i++ {
			out.Elements[i*nc+c] = f.Data.Elements[i]
		}
	}
	return &Samples{Channels: names, Data: out}, nil
}

// Targets is the (time, facet) matrix of observed gradients. NaN marks a
// missing observation.
type Targets struct {
	Facets []string
	Times  []time.Time
	Values *sparse.DenseArray
}

// Matrix wraps row-major values as a (rows, cols) array, copying them.
func Matrix(rows, cols int, values []float64) *sparse.DenseArray {
	m := sparse.ZerosDense(rows, cols)
	copy(m.Elements, values)
	return m
}

// Len is the number of target rows.
func (t *Targets) Len() int { return t.Values.Shape[0] }

// Row returns the facet values of row i. The slice aliases Values.
func (t *Targets) Row(i int) []float64 {
	k := len(t.Facets)
	return t.Values.Elements[i*k : (i+1)*k : (i+1)*k]
}

// Rows returns every row as an aliasing slice.
func (t *Targets) Rows() [][]float64 {
	out := make([][]float64, t.Len())
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// Subset gathers rows in index order into a new matrix.
func (t *Targets) Subset(idx []int) *Targets {
	k := len(t.Facets)
	out := sparse.ZerosDense(len(idx), k)
	var times []time.Time
	if len(t.Times) > 0 {
		times = make([]time.Time, len(idx))
	}
	for r, i := range idx {
		copy(out.Elements[r*k:(r+1)*k], t.Row(i))
		if times != nil {
			times[r] = t.Times[i]
		}
	}
	return &Targets{Facets: t.Facets, Times: times, Values: out}
}

// Missing counts NaN entries.
func (t *Targets) Missing() int {
	n := 0
	for _, v := range t.Values.Elements {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}

// FillMissing replaces every NaN target with 0, the standardized mean, and
// returns how many were replaced. A filled zero is indistinguishable from an
// observation equal to the mean.
func FillMissing(t *Targets) int {
	n := 0
	for i, v := range t.Values.Elements {
		if math.IsNaN(v) {
			t.Values.Elements[i] = 0
			n++
		}
	}
	return n
}

// AlignTargets reindexes t onto times by calendar date (UTC). Dates absent
// from t become all-NaN rows; target dates not in times are dropped.
func AlignTargets(times []time.Time, t *Targets) (*Targets, error) {
	if len(t.Times) != t.Len() {
		return nil, fmt.Errorf("%w: %d target rows but %d dates", ErrShapeMismatch, t.Len(), len(t.Times))
	}
	byDate := make(map[string]int, len(t.Times))
	for i, tm := range t.Times {
		byDate[tm.UTC().Format(DateLayout)] = i
	}

	k := len(t.Facets)
	out := sparse.ZerosDense(len(times), k)
	aligned := make([]time.Time, len(times))
	for r, tm := range times {
		aligned[r] = tm
		dst := out.Elements[r*k : (r+1)*k]
		if i, ok := byDate[tm.UTC().Format(DateLayout)]; ok {
			copy(dst, t.Row(i))
			continue
		}
		for j := range dst {
			dst[j] = math.NaN()
		}
	}
	return &Targets{Facets: t.Facets, Times: aligned, Values: out}, nil
}
