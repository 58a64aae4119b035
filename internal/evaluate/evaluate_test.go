package evaluate

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgcnn/internal/standardize"
)

func globalStats(mean, std float64) *standardize.Stats {
	return &standardize.Stats{Mean: []float64{mean}, Std: []float64{std}, Global: true}
}

func TestEvaluateKnownValues(t *testing.T) {
	pred := [][]float64{{1, 0.5}, {2, -0.5}, {3, 1}}
	actual := [][]float64{{0, 1}, {2, 1}, {4, 1}}

	r, err := Evaluate(pred, actual, globalStats(10, 2), []string{"A", "B"})
	require.NoError(t, err)
	require.Len(t, r.Facets, 2)

	a := r.Facets[0]
	assert.Equal(t, "A", a.Facet)
	assert.Equal(t, 3, a.N)
	assert.InDelta(t, 1.0, a.R2, 1e-12)
	assert.InDelta(t, math.Sqrt(8.0/3), a.RMSE, 1e-12)
	assert.InDelta(t, 4.0/3, a.MAE, 1e-12)
	assert.InDelta(t, 0.0, a.Bias, 1e-12)
	assert.InDelta(t, 2.0/3, a.MSE, 1e-12)

	b := r.Facets[1]
	assert.Equal(t, 0.0, b.R2, "constant observations have no correlation")
	// physical: pred 11, 9, 12 against 12, 12, 12
	assert.InDelta(t, -(1.0+3+0)/3, b.Bias, 1e-12)

	assert.Equal(t, 6, r.Overall.N)
	assert.InDelta(t, (2.0/3*3+(0.25+2.25+0))/6, r.Overall.MSE, 1e-12)
}

func TestEvaluatePerfect(t *testing.T) {
	rows := [][]float64{{-1, 2}, {0, 1}, {1, 0}}
	r, err := Evaluate(rows, rows, &standardize.Stats{Mean: []float64{5, 6}, Std: []float64{2, 3}}, []string{"x", "y"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.Overall.R2, 1e-12)
	assert.Zero(t, r.Overall.RMSE)
	assert.Zero(t, r.Overall.MAE)
	assert.Zero(t, r.Overall.MSE)
}

func TestEvaluateShapeErrors(t *testing.T) {
	stats := globalStats(0, 1)
	tests := []struct {
		name         string
		pred, actual [][]float64
		facets       []string
	}{
		{"row counts", [][]float64{{1}}, [][]float64{{1}, {2}}, []string{"a"}},
		{"empty", nil, nil, []string{"a"}},
		{"width", [][]float64{{1, 2}}, [][]float64{{1}}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.pred, tt.actual, stats, tt.facets)
			assert.ErrorIs(t, err, ErrShape)
		})
	}

	perPosition := &standardize.Stats{Mean: []float64{0, 0}, Std: []float64{1, 1}}
	_, err := Evaluate([][]float64{{1}}, [][]float64{{1}}, perPosition, []string{"a"})
	assert.ErrorIs(t, err, ErrShape)
}

func TestReportWriteJSON(t *testing.T) {
	r, err := Evaluate([][]float64{{1}, {2}}, [][]float64{{1}, {3}}, globalStats(0, 1), []string{"F1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	overall := decoded["overall"].(map[string]any)
	assert.Contains(t, overall, "r2")
	assert.Contains(t, overall, "rmse")
	facets := decoded["facets"].([]any)
	assert.Equal(t, "F1", facets[0].(map[string]any)["facet"])
}

func TestWriteHistoryCSV(t *testing.T) {
	history := map[string][]float64{
		"val_loss": {0.9, 0.8},
		"mae":      {0.7, 0.6},
		"loss":     {1, 0.5},
		"val_mae":  {0.75},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryCSV(&buf, history))
	want := "epoch,loss,mae,val_loss,val_mae\n" +
		"1,1,0.7,0.9,0.75\n" +
		"2,0.5,0.6,0.8,\n"
	assert.Equal(t, want, buf.String())
}
