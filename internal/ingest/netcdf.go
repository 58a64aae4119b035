// Package ingest reads reanalysis fields from NetCDF classic files and daily
// OPG observations from CSV, mapping them onto dataset types.
package ingest

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"

	"opgcnn/internal/config"
	"opgcnn/internal/dataset"
)

const coordTolerance = 1e-6

// Axes are the coordinates of a field after subsetting.
type Axes struct {
	Times []time.Time
	Lats  []float64
	Lons  []float64
}

// ReadField reads one channel variable, cuts out the region, converts packed
// and missing values, and applies the channel's unit conversion. Missing
// values become NaN.
func ReadField(path string, ch config.Channel, region config.Region) (dataset.Field, Axes, error) {
	file, err := os.Open(path)
	if err != nil {
		return dataset.Field{}, Axes{}, fmt.Errorf("ingest: %w", err)
	}
	defer file.Close()

	f, err := cdf.Open(file)
	if err != nil {
		return dataset.Field{}, Axes{}, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	field, axes, err := readField(f, ch, region)
	if err != nil {
		return dataset.Field{}, Axes{}, fmt.Errorf("ingest: %s: %w", path, err)
	}
	return field, axes, nil
}

func readField(f *cdf.File, ch config.Channel, region config.Region) (dataset.Field, Axes, error) {
	dims := f.Header.Dimensions(ch.Variable)
	lengths := f.Header.Lengths(ch.Variable)
	if len(lengths) == 0 {
		return dataset.Field{}, Axes{}, fmt.Errorf("variable %q not in file", ch.Variable)
	}

	hasLevel := ch.Level != nil
	wantRank := 3
	if hasLevel {
		wantRank = 4
	}
	if len(dims) != wantRank {
		return dataset.Field{}, Axes{}, fmt.Errorf("variable %q has dimensions %v, want %d", ch.Variable, dims, wantRank)
	}
	if dims[0] != region.TimeVar || dims[wantRank-2] != region.LatVar || dims[wantRank-1] != region.LonVar {
		return dataset.Field{}, Axes{}, fmt.Errorf("variable %q has dimensions %v, want (%s, ..., %s, %s)",
			ch.Variable, dims, region.TimeVar, region.LatVar, region.LonVar)
	}

	rawTimes, err := readFloats(f, region.TimeVar)
	if err != nil {
		return dataset.Field{}, Axes{}, err
	}
	units, _ := f.Header.GetAttribute(region.TimeVar, "units").(string)
	times, err := decodeTimes(rawTimes, units)
	if err != nil {
		return dataset.Field{}, Axes{}, err
	}

	lats, err := readFloats(f, region.LatVar)
	if err != nil {
		return dataset.Field{}, Axes{}, err
	}
	lons, err := readFloats(f, region.LonVar)
	if err != nil {
		return dataset.Field{}, Axes{}, err
	}
	for i, lon := range lons {
		if lon > 180 {
			lons[i] = lon - 360
		}
	}

	lat0, lat1, err := selectRange(lats, region.LatMin, region.LatMax)
	if err != nil {
		return dataset.Field{}, Axes{}, fmt.Errorf("%s: %w", region.LatVar, err)
	}
	lon0, lon1, err := selectRange(lons, region.LonMin, region.LonMax)
	if err != nil {
		return dataset.Field{}, Axes{}, fmt.Errorf("%s: %w", region.LonVar, err)
	}

	nt := len(times)
	if lengths[0] != nt {
		return dataset.Field{}, Axes{}, fmt.Errorf("variable %q has %d steps, %s has %d", ch.Variable, lengths[0], region.TimeVar, nt)
	}
	li := -1
	if hasLevel {
		levels, err := readFloats(f, ch.LevelVar)
		if err != nil {
			return dataset.Field{}, Axes{}, err
		}
		for i, l := range levels {
			if math.Abs(l-*ch.Level) < coordTolerance {
				li = i
				break
			}
		}
		if li < 0 {
			return dataset.Field{}, Axes{}, fmt.Errorf("level %g not found in %s %v", *ch.Level, ch.LevelVar, levels)
		}
	}

	// A cdf reader walks one contiguous run of the variable, so whole
	// (lat, lon) slabs are read per step and the box is cut out here.
	ny, nx := len(lats), len(lons)
	if lengths[len(lengths)-2] != ny || lengths[len(lengths)-1] != nx {
		return dataset.Field{}, Axes{}, fmt.Errorf("variable %q has grid %v, coordinates are %dx%d", ch.Variable, lengths, ny, nx)
	}
	nh, nw := lat1-lat0, lon1-lon0
	pk := packingOf(f.Header, ch.Variable)
	data := sparse.ZerosDense(nt, nh, nw)
	for t := 0; t < nt; t++ {
		raw, err := readSlab(f, ch.Variable, t, li, ny, nx)
		if err != nil {
			return dataset.Field{}, Axes{}, err
		}
		out := data.Elements[t*nh*nw : (t+1)*nh*nw]
		for i := 0; i < nh; i++ {
			row := raw[(lat0+i)*nx+lon0 : (lat0+i)*nx+lon1]
			for j, v := range row {
				if pk.missing(v) {
					out[i*nw+j] = math.NaN()
					continue
				}
				out[i*nw+j] = (v*pk.scale+pk.offset)*ch.Scale + ch.Offset
			}
		}
	}

	axes := Axes{
		Times: times,
		Lats:  append([]float64(nil), lats[lat0:lat1]...),
		Lons:  append([]float64(nil), lons[lon0:lon1]...),
	}
	return dataset.Field{Name: ch.Name, Data: data}, axes, nil
}

// readSlab reads the full (lat, lon) slab of step t, at level index li when
// li >= 0. The end index given to the reader is inclusive.
func readSlab(f *cdf.File, v string, t, li, ny, nx int) ([]float64, error) {
	begin := []int{t, 0, 0}
	end := []int{t, ny - 1, nx - 1}
	if li >= 0 {
		begin = []int{t, li, 0, 0}
		end = []int{t, li, ny - 1, nx - 1}
	}
	r := f.Reader(v, begin, end)
	buf := r.Zero(ny * nx)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("read %q step %d: %w", v, t, err)
	}
	raw, ok := toFloat64(buf)
	if !ok {
		return nil, fmt.Errorf("variable %q has unsupported type %T", v, buf)
	}
	if len(raw) != ny*nx {
		return nil, fmt.Errorf("variable %q step %d: read %d values, want %d", v, t, len(raw), ny*nx)
	}
	return raw, nil
}

// packing is the CF scale_factor/add_offset and missing markers of a variable.
type packing struct {
	scale, offset float64
	fills         []float64
}

func packingOf(h *cdf.Header, v string) packing {
	p := packing{scale: 1}
	if s, ok := toFloat64(h.GetAttribute(v, "scale_factor")); ok && len(s) > 0 {
		p.scale = s[0]
	}
	if o, ok := toFloat64(h.GetAttribute(v, "add_offset")); ok && len(o) > 0 {
		p.offset = o[0]
	}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if fv, ok := toFloat64(h.GetAttribute(v, name)); ok {
			p.fills = append(p.fills, fv...)
		}
	}
	return p
}

func (p packing) missing(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	for _, f := range p.fills {
		if v == f {
			return true
		}
	}
	return false
}

func readFloats(f *cdf.File, v string) ([]float64, error) {
	lengths := f.Header.Lengths(v)
	if len(lengths) != 1 {
		return nil, fmt.Errorf("coordinate %q missing or not 1-D", v)
	}
	r := f.Reader(v, nil, nil)
	buf := r.Zero(lengths[0])
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("read %q: %w", v, err)
	}
	out, ok := toFloat64(buf)
	if !ok {
		return nil, fmt.Errorf("coordinate %q has unsupported type %T", v, buf)
	}
	return out, nil
}

func toFloat64(v interface{}) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return append([]float64(nil), x...), true
	case []float32:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out, true
	case []int32:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out, true
	case []int16:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out, true
	case []int8:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out, true
	default:
		return nil, false
	}
}

// selectRange returns the half-open index range of coords inside [lo, hi].
// Coordinates may be ascending or descending but the match must be contiguous.
func selectRange(coords []float64, lo, hi float64) (int, int, error) {
	start, end := -1, -1
	for i, c := range coords {
		if c >= lo-coordTolerance && c <= hi+coordTolerance {
			if start < 0 {
				start = i
			} else if end != i {
				return 0, 0, fmt.Errorf("coordinates inside [%g, %g] are not contiguous", lo, hi)
			}
			end = i + 1
		}
	}
	if start < 0 {
		return 0, 0, fmt.Errorf("no coordinates inside [%g, %g]", lo, hi)
	}
	return start, end, nil
}

// CheckAxes verifies every channel shares the first channel's axes.
func CheckAxes(names []string, axes []Axes) error {
	if len(axes) == 0 {
		return nil
	}
	ref := axes[0]
	for i, a := range axes[1:] {
		name := names[i+1]
		if len(a.Times) != len(ref.Times) {
			return fmt.Errorf("%w: %s has %d time steps, %s has %d", dataset.ErrShapeMismatch, name, len(a.Times), names[0], len(ref.Times))
		}
		for j := range a.Times {
			if !a.Times[j].Equal(ref.Times[j]) {
				return fmt.Errorf("%w: %s time %d is %s, %s has %s", dataset.ErrShapeMismatch,
					name, j, a.Times[j].Format(dataset.DateLayout), names[0], ref.Times[j].Format(dataset.DateLayout))
			}
		}
		if err := sameCoords(a.Lats, ref.Lats); err != nil {
			return fmt.Errorf("%w: %s latitude %v", dataset.ErrShapeMismatch, name, err)
		}
		if err := sameCoords(a.Lons, ref.Lons); err != nil {
			return fmt.Errorf("%w: %s longitude %v", dataset.ErrShapeMismatch, name, err)
		}
	}
	return nil
}

func sameCoords(a, b []float64) error {
	if len(a) != len(b) {
		return fmt.Errorf("has %d points, want %d", len(a), len(b))
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > coordTolerance {
			return fmt.Errorf("point %d is %g, want %g", i, a[i], b[i])
		}
	}
	return nil
}
