// Package evaluate scores predictions against observations in physical units
// and writes the report and training curves as data files.
package evaluate

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"opgcnn/internal/standardize"
)

// ErrShape is returned when predictions, observations and facets disagree.
var ErrShape = errors.New("evaluate: shape mismatch")

// Metrics summarize one set of paired values. R2 is the squared Pearson
// correlation and is 0 when either series is constant. MSE is in
// standardized units, the rest in physical units.
type Metrics struct {
	N    int     `json:"n"`
	R2   float64 `json:"r2"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	Bias float64 `json:"bias"`
	MSE  float64 `json:"mse"`
}

// FacetMetrics are the metrics of one facet column.
type FacetMetrics struct {
	Facet string `json:"facet"`
	Metrics
}

// Report is the evaluation of one split.
type Report struct {
	Overall Metrics        `json:"overall"`
	Facets  []FacetMetrics `json:"facets"`
}

// Evaluate de-standardizes pred and actual with stats and computes overall
// and per-facet metrics. Rows are samples, columns are facets.
func Evaluate(pred, actual [][]float64, stats *standardize.Stats, facets []string) (*Report, error) {
	if len(pred) != len(actual) {
		return nil, fmt.Errorf("%w: %d predictions for %d observations", ErrShape, len(pred), len(actual))
	}
	if len(pred) == 0 {
		return nil, fmt.Errorf("%w: nothing to evaluate", ErrShape)
	}
	if stats == nil {
		return nil, errors.New("evaluate: nil stats")
	}
	k := len(facets)
	if !stats.Global && stats.Positions() != k {
		return nil, fmt.Errorf("%w: stats cover %d positions, %d facets", ErrShape, stats.Positions(), k)
	}
	for i := range pred {
		if len(pred[i]) != k || len(actual[i]) != k {
			return nil, fmt.Errorf("%w: row %d has %d predictions and %d observations, want %d",
				ErrShape, i, len(pred[i]), len(actual[i]), k)
		}
	}

	n := len(pred)
	cols := func(rows [][]float64, j int, physical bool) []float64 {
		out := make([]float64, n)
		for i, r := range rows {
			out[i] = r[j]
			if physical {
				out[i] = stats.InverseValue(r[j], j)
			}
		}
		return out
	}

	var allP, allA, allPs, allAs []float64
	report := &Report{Facets: make([]FacetMetrics, k)}
	for j, name := range facets {
		p, a := cols(pred, j, true), cols(actual, j, true)
		ps, as := cols(pred, j, false), cols(actual, j, false)
		report.Facets[j] = FacetMetrics{Facet: name, Metrics: score(p, a, ps, as)}
		allP, allA = append(allP, p...), append(allA, a...)
		allPs, allAs = append(allPs, ps...), append(allAs, as...)
	}
	report.Overall = score(allP, allA, allPs, allAs)
	return report, nil
}

func score(p, a, ps, as []float64) Metrics {
	n := float64(len(p))
	m := Metrics{
		N:    len(p),
		RMSE: floats.Distance(p, a, 2) / math.Sqrt(n),
		MAE:  floats.Distance(p, a, 1) / n,
		Bias: (floats.Sum(p) - floats.Sum(a)) / n,
	}
	d := floats.Distance(ps, as, 2)
	m.MSE = d * d / n
	if r := stat.Correlation(p, a, nil); !math.IsNaN(r) && !math.IsInf(r, 0) {
		m.R2 = r * r
	}
	return m
}

// WriteJSON writes r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteHistoryCSV writes one row per epoch with a column per logged metric,
// "loss" first and the rest sorted. Shorter series leave trailing cells empty.
func WriteHistoryCSV(w io.Writer, history map[string][]float64) error {
	keys := make([]string, 0, len(history))
	epochs := 0
	for k, v := range history {
		keys = append(keys, k)
		epochs = max(epochs, len(v))
	}
	sort.Slice(keys, func(i, j int) bool {
		if (keys[i] == "loss") != (keys[j] == "loss") {
			return keys[i] == "loss"
		}
		return keys[i] < keys[j]
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"epoch"}, keys...)); err != nil {
		return err
	}
	rec := make([]string, len(keys)+1)
	for e := 0; e < epochs; e++ {
		rec[0] = strconv.Itoa(e + 1)
		for i, k := range keys {
			rec[i+1] = ""
			if s := history[k]; e < len(s) {
				rec[i+1] = strconv.FormatFloat(s[e], 'g', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
