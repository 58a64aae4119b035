package ingest

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/ctessum/cdf"
)

const (
	packedMissing int16   = -32767
	floatMissing  float32 = -9999
)

// TimeUnits is the CF time encoding used by WriteGrid.
const TimeUnits = "days since 1900-01-01 00:00:00"

// Grid is one variable on (time, [level], lat, lon) ready to be written as a
// NetCDF classic file. Data is row-major; NaN is written as missing.
type Grid struct {
	Variable string
	TimeVar  string
	LatVar   string
	LonVar   string
	LevelVar string // empty for 3-D variables

	Times  []time.Time
	Levels []float64
	Lats   []float64
	Lons   []float64
	Data   []float64

	// Packed stores int16 with scale_factor and add_offset.
	Packed bool
}

func (g Grid) shape() ([]string, []int) {
	if g.LevelVar == "" {
		return []string{g.TimeVar, g.LatVar, g.LonVar},
			[]int{len(g.Times), len(g.Lats), len(g.Lons)}
	}
	return []string{g.TimeVar, g.LevelVar, g.LatVar, g.LonVar},
		[]int{len(g.Times), len(g.Levels), len(g.Lats), len(g.Lons)}
}

// WriteGrid creates path and writes g with its coordinate variables.
func WriteGrid(path string, g Grid) error {
	dims, lengths := g.shape()
	n := 1
	for _, l := range lengths {
		if l == 0 {
			return fmt.Errorf("ingest: grid %q has an empty axis %v", g.Variable, lengths)
		}
		n *= l
	}
	if len(g.Data) != n {
		return fmt.Errorf("ingest: grid %q has %d values, want %d", g.Variable, len(g.Data), n)
	}

	h := cdf.NewHeader(dims, lengths)
	h.AddVariable(g.TimeVar, []string{g.TimeVar}, []float64{0})
	h.AddAttribute(g.TimeVar, "units", TimeUnits)
	h.AddVariable(g.LatVar, []string{g.LatVar}, []float32{0})
	h.AddAttribute(g.LatVar, "units", "degrees_north")
	h.AddVariable(g.LonVar, []string{g.LonVar}, []float32{0})
	h.AddAttribute(g.LonVar, "units", "degrees_east")
	if g.LevelVar != "" {
		h.AddVariable(g.LevelVar, []string{g.LevelVar}, []float32{0})
		h.AddAttribute(g.LevelVar, "units", "millibars")
	}

	var values interface{}
	if g.Packed {
		scale, offset := packParams(g.Data)
		h.AddVariable(g.Variable, dims, []int16{packedMissing})
		h.AddAttribute(g.Variable, "scale_factor", []float64{scale})
		h.AddAttribute(g.Variable, "add_offset", []float64{offset})
		h.AddAttribute(g.Variable, "missing_value", []int16{packedMissing})
		values = pack(g.Data, scale, offset)
	} else {
		h.AddVariable(g.Variable, dims, []float32{floatMissing})
		h.AddAttribute(g.Variable, "missing_value", []float32{floatMissing})
		out := make([]float32, len(g.Data))
		for i, v := range g.Data {
			if math.IsNaN(v) {
				out[i] = floatMissing
			} else {
				out[i] = float32(v)
			}
		}
		values = out
	}
	h.Define()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	f, err := cdf.Create(file, h)
	if err != nil {
		file.Close()
		return fmt.Errorf("ingest: create %s: %w", path, err)
	}

	ref, _ := time.Parse("2006-01-02", "1900-01-01")
	writes := []struct {
		name string
		data interface{}
	}{
		{g.TimeVar, encodeDays(g.Times, ref)},
		{g.LatVar, float32s(g.Lats)},
		{g.LonVar, float32s(g.Lons)},
		{g.Variable, values},
	}
	if g.LevelVar != "" {
		writes = append(writes, struct {
			name string
			data interface{}
		}{g.LevelVar, float32s(g.Levels)})
	}
	for _, w := range writes {
		l := f.Header.Lengths(w.name)
		begin := make([]int, len(l))
		if _, err := f.Writer(w.name, begin, l).Write(w.data); err != nil {
			file.Close()
			return fmt.Errorf("ingest: write %s/%s: %w", path, w.name, err)
		}
	}
	return file.Close()
}

func float32s(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// packParams spreads the finite range of data over the int16 range, leaving
// packedMissing free.
func packParams(data []float64) (scale, offset float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 1, 0
	}
	offset = (hi + lo) / 2
	scale = (hi - lo) / 65532
	if scale == 0 {
		scale = 1
	}
	return scale, offset
}

func pack(data []float64, scale, offset float64) []int16 {
	out := make([]int16, len(data))
	for i, v := range data {
		if math.IsNaN(v) {
			out[i] = packedMissing
			continue
		}
		p := math.Round((v - offset) / scale)
		p = math.Max(math.Min(p, 32766), -32766)
		out[i] = int16(p)
	}
	return out
}
