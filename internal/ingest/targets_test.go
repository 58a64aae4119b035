package ingest

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgcnn/internal/dataset"
)

const targetsCSV = `date,F1,F2,F3
2000-01-01,1.5,,-2
2000-01-02 00:00:00,NaN,0.25,nan
2000-01-04,3,NA,4e-1
`

func TestReadTargets(t *testing.T) {
	got, err := ReadTargets(strings.NewReader(targetsCSV))
	require.NoError(t, err)

	assert.Equal(t, []string{"F1", "F2", "F3"}, got.Facets)
	assert.Equal(t, 3, got.Len())
	assert.Equal(t, time.Date(2000, 1, 4, 0, 0, 0, 0, time.UTC), got.Times[2])
	assert.Equal(t, 4, got.Missing())

	assert.Equal(t, 1.5, got.Row(0)[0])
	assert.True(t, math.IsNaN(got.Row(0)[1]))
	assert.Equal(t, -2.0, got.Row(0)[2])
	assert.Equal(t, 0.25, got.Row(1)[1])
	assert.InDelta(t, 0.4, got.Row(2)[2], 1e-12)
}

func TestReadTargetsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "empty"},
		{"header only", "date,F1\n", "empty"},
		{"no facets", "date\n2000-01-01\n", "at least one facet"},
		{"duplicate facet", "date,F1,F1\n", `"F1" listed twice`},
		{"bad date", "date,F1\n01/02/2000,1\n", "bad date"},
		{"bad value", "date,F1\n2000-01-01,abc\n", `bad value "abc"`},
		{"ragged row", "date,F1,F2\n2000-01-01,1\n", "wrong number of fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTargets(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := ReadTargets(strings.NewReader(""))
	assert.ErrorIs(t, err, dataset.ErrEmpty)
}

func TestWriteTargetsReadable(t *testing.T) {
	in, err := ReadTargets(strings.NewReader(targetsCSV))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTargets(&buf, in))
	out, err := ReadTargets(&buf)
	require.NoError(t, err)

	assert.Equal(t, in.Facets, out.Facets)
	assert.Equal(t, in.Times, out.Times)
	assert.Equal(t, in.Missing(), out.Missing())
	for i := 0; i < in.Len(); i++ {
		for j, v := range in.Row(i) {
			if math.IsNaN(v) {
				continue
			}
			assert.Equal(t, v, out.Row(i)[j])
		}
	}
}
