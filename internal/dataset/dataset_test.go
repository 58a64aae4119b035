package dataset

import (
	"math"
	"testing"
	"time"

	"github.com/ctessum/sparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func field(name string, nt, nh, nw int, base float64) Field {
	d := sparse.ZerosDense(nt, nh, nw)
	for i := range d.Elements {
		d.Elements[i] = base + float64(i)
	}
	return Field{Name: name, Data: d}
}

func TestStackChannelsLast(t *testing.T) {
	a := field("ivt", 2, 3, 4, 0)
	b := field("precip", 2, 3, 4, 1000)
	c := field("z500", 2, 3, 4, 2000)

	s, err := Stack([]Field{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 3}, s.Data.Shape)
	assert.Equal(t, []string{"ivt", "precip", "z500"}, s.Channels)
	assert.Equal(t, []int{3, 4, 3}, s.SampleShape())
	assert.Equal(t, 2, s.Len())

	for ti := 0; ti < 2; ti++ {
		for h := 0; h < 3; h++ {
			for w := 0; w < 4; w++ {
				assert.Equal(t, a.Data.Get(ti, h, w), s.Data.Get(ti, h, w, 0))
				assert.Equal(t, b.Data.Get(ti, h, w), s.Data.Get(ti, h, w, 1))
				assert.Equal(t, c.Data.Get(ti, h, w), s.Data.Get(ti, h, w, 2))
			}
		}
	}
}

func TestStackShapeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
	}{
		{"time", []Field{field("a", 2, 3, 4, 0), field("b", 3, 3, 4, 0)}},
		{"height", []Field{field("a", 2, 3, 4, 0), field("b", 2, 2, 4, 0)}},
		{"width", []Field{field("a", 2, 3, 4, 0), field("b", 2, 3, 5, 0)}},
		{"rank", []Field{field("a", 2, 3, 4, 0), {Name: "b", Data: sparse.ZerosDense(2, 12)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Stack(tt.fields)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestStackEmpty(t *testing.T) {
	_, err := Stack(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSamplesSubsetAndRows(t *testing.T) {
	s, err := Stack([]Field{field("a", 4, 1, 2, 0)})
	require.NoError(t, err)

	sub := s.Subset([]int{3, 1})
	assert.Equal(t, []int{2, 1, 2, 1}, sub.Data.Shape)
	assert.Equal(t, []float64{6, 7}, sub.Row(0))
	assert.Equal(t, []float64{2, 3}, sub.Row(1))
	assert.Len(t, s.Rows(), 4)
}

func targets(values ...float64) *Targets {
	v := sparse.ZerosDense(len(values)/2, 2)
	copy(v.Elements, values)
	times := make([]time.Time, len(values)/2)
	for i := range times {
		times[i] = time.Date(2000, 1, 1+i, 0, 0, 0, 0, time.UTC)
	}
	return &Targets{Facets: []string{"f1", "f2"}, Times: times, Values: v}
}

func TestFillMissingTouchesOnlyTargets(t *testing.T) {
	nan := math.NaN()
	tg := targets(1, nan, nan, 2, 3, 4)

	s, err := Stack([]Field{field("a", 3, 1, 1, 0)})
	require.NoError(t, err)
	s.Data.Elements[1] = nan
	before := append([]float64(nil), s.Data.Elements...)

	assert.Equal(t, 2, tg.Missing())
	assert.Equal(t, 2, FillMissing(tg))
	assert.Equal(t, []float64{1, 0, 0, 2, 3, 4}, tg.Values.Elements)
	assert.Equal(t, 0, tg.Missing())

	// Inputs keep their NaN.
	assert.True(t, math.IsNaN(s.Data.Elements[1]))
	assert.Equal(t, before[0], s.Data.Elements[0])
}

func TestTargetsSubset(t *testing.T) {
	tg := targets(1, 2, 3, 4, 5, 6)
	sub := tg.Subset([]int{2, 0})
	assert.Equal(t, []float64{5, 6, 1, 2}, sub.Values.Elements)
	assert.Equal(t, tg.Times[2], sub.Times[0])

	sub.Values.Elements[0] = 99
	assert.Equal(t, 5.0, tg.Values.Elements[4], "subset copies values")
}

func TestAlignTargets(t *testing.T) {
	tg := targets(1, 2, 3, 4)
	times := []time.Time{
		time.Date(2000, 1, 2, 12, 0, 0, 0, time.UTC),
		time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	al, err := AlignTargets(times, tg)
	require.NoError(t, err)
	assert.Equal(t, 3, al.Len())
	assert.Equal(t, []float64{3, 4}, al.Row(0))
	assert.True(t, math.IsNaN(al.Row(1)[0]))
	assert.True(t, math.IsNaN(al.Row(1)[1]))
	assert.Equal(t, []float64{1, 2}, al.Row(2))
	assert.Equal(t, times, al.Times)
}
