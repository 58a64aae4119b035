package experiment

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/sparse"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/stat"

	"opgcnn/internal/config"
	"opgcnn/internal/dataset"
	"opgcnn/internal/ingest"
	"opgcnn/internal/observability"
	"opgcnn/internal/standardize"
	"opgcnn/internal/store"
	"opgcnn/internal/synth"
	"opgcnn/nn"
)

var day0 = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// synthetic builds nt days of channels fields on an h×w grid and a target
// table driven by the first channel. Every fifth target date is absent and
// one cell is missing.
func synthetic(nt, h, w int, channels []string, facets int) ([]dataset.Field, []time.Time, *dataset.Targets) {
	rng := rand.New(rand.NewSource(3))
	times := make([]time.Time, nt)
	for i := range times {
		times[i] = day0.AddDate(0, 0, i)
	}
	fields := make([]dataset.Field, len(channels))
	for c, name := range channels {
		a := sparse.ZerosDense(nt, h, w)
		for i := range a.Elements {
			a.Elements[i] = float64(c*10) + rng.NormFloat64()
		}
		fields[c] = dataset.Field{Name: name, Data: a}
	}

	var (
		tt   []time.Time
		flat []float64
	)
	for i := 0; i < nt; i++ {
		if i%5 == 4 {
			continue
		}
		tt = append(tt, times[i])
		signal := fields[0].Data.Elements[i*h*w]
		for f := 0; f < facets; f++ {
			flat = append(flat, 3+float64(f+1)*signal+0.1*rng.NormFloat64())
		}
	}
	flat[1] = math.NaN()
	names := make([]string, facets)
	for f := range names {
		names[f] = "F" + string(rune('A'+f))
	}
	return fields, times, &dataset.Targets{Facets: names, Times: tt, Values: dataset.Matrix(len(tt), facets, flat)}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = t.TempDir()
	cfg.Training.Epochs = 3
	cfg.Training.BatchSize = 8
	cfg.Training.Patience = 2
	cfg.Training.Workers = 2
	return cfg
}

func TestPrepareFromFields(t *testing.T) {
	cfg := testConfig(t)
	fields, times, targets := synthetic(40, 6, 8, []string{"ivt", "precip", "t700"}, 2)

	p, err := PrepareFromFields(cfg, fields, times, targets, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"ivt", "precip", "t700"}, p.Channels)
	assert.Equal(t, []int{6, 8, 3}, p.Samples.SampleShape())
	assert.Equal(t, 40, p.Samples.Len())
	require.Len(t, p.FieldStats, 3)
	assert.Equal(t, 48, p.FieldStats[0].Positions())
	assert.Zero(t, p.Degenerate)

	// 8 absent dates × 2 facets + one missing cell
	assert.Equal(t, 17, p.Filled)
	assert.Zero(t, p.Targets.Missing())
	assert.True(t, p.TargetStats.Global)

	// channel 1 at position 0 is standardized over time
	col := make([]float64, 40)
	for i := range col {
		col[i] = p.Samples.Row(i)[1]
	}
	mean, std := stat.PopMeanStdDev(col, nil)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, std, 1e-9)

	train, test, val := p.Split.Sizes()
	assert.Equal(t, []int{28, 6, 6}, []int{train, test, val})
	assert.Equal(t, 28, p.Train().Len())
	assert.Len(t, p.Test().Targets[0], 2)
}

func TestPrepareFromFieldsDegenerate(t *testing.T) {
	fields, times, targets := synthetic(20, 4, 4, []string{"a", "b"}, 1)
	for i := range fields[1].Data.Elements {
		fields[1].Data.Elements[i] = 5
	}

	cfg := testConfig(t)
	p, err := PrepareFromFields(cfg, fields, times, targets, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 16, p.Degenerate)
	assert.Equal(t, 0.0, p.Samples.Row(3)[1], "constant channel centers to zero")

	cfg.Standardize.ZeroVariance = "strict"
	_, err = PrepareFromFields(cfg, fields, times, targets, zap.NewNop())
	assert.ErrorIs(t, err, standardize.ErrDegenerateVariance)
}

func TestPrepareFromFieldsSplitCounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Split.Train, cfg.Split.Test, cfg.Split.Val = 10, 5, 5
	fields, times, targets := synthetic(20, 4, 4, []string{"a"}, 1)

	p, err := PrepareFromFields(cfg, fields, times, targets, zap.NewNop())
	require.NoError(t, err)
	train, test, val := p.Split.Sizes()
	assert.Equal(t, []int{10, 5, 5}, []int{train, test, val})

	cfg.Split.Val = 4
	_, err = PrepareFromFields(cfg, fields, times, targets, zap.NewNop())
	assert.ErrorIs(t, err, dataset.ErrInvalidSplit)
}

func TestPrepareFromFieldsShapeMismatch(t *testing.T) {
	fields, times, targets := synthetic(20, 4, 4, []string{"a", "b"}, 1)
	other, _, _ := synthetic(20, 4, 5, []string{"c"}, 1)
	fields[1] = other[0]

	_, err := PrepareFromFields(testConfig(t), fields, times, targets, zap.NewNop())
	assert.ErrorIs(t, err, dataset.ErrShapeMismatch)

	_, err = PrepareFromFields(testConfig(t), fields[:1], times[:10], targets, zap.NewNop())
	assert.ErrorIs(t, err, dataset.ErrShapeMismatch)
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	fields, times, targets := synthetic(48, 8, 8, []string{"ivt", "precip"}, 3)
	p, err := PrepareFromFields(cfg, fields, times, targets, zap.NewNop())
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(cfg.Output.Dir, "runs.db"))
	require.NoError(t, err)
	defer s.Close()
	metrics := observability.NewMetricsForTesting()

	r := &Runner{Config: cfg, Logger: zaptest.NewLogger(t), Metrics: metrics, Store: s, Clock: clockwork.NewFakeClock()}
	res, err := r.Run(ctx, p)
	require.NoError(t, err)

	for _, path := range []string{res.ModelPath, res.ReportPath, res.HistoryPath, res.StatsPath, filepath.Join(res.Dir, ConfigFile)} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
	assert.Equal(t, "test", res.Split)
	_, test, _ := p.Split.Sizes()
	assert.Equal(t, test*3, res.Report.Overall.N)
	require.Len(t, res.Report.Facets, 3)
	assert.Equal(t, "FA", res.Report.Facets[0].Facet)

	run, err := s.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Status, run.Status)
	assert.Equal(t, res.Train.Epochs, run.Epochs)
	assert.Equal(t, res.ModelPath, run.ModelPath)

	epochs, err := s.Epochs(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, epochs, res.Train.Epochs)
	assert.Contains(t, epochs[0].Metrics, "val_loss")

	stored, err := s.Evaluation(ctx, res.RunID, "test")
	require.NoError(t, err)
	assert.Equal(t, res.Report.Overall.N, stored.Overall.N)

	assert.Equal(t, float64(res.Train.Epochs), testutil.ToFloat64(metrics.EpochsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(res.Status)))
	assert.Equal(t, float64(test), testutil.ToFloat64(metrics.Samples.WithLabelValues("test")))

	again, err := r.EvaluateSaved(p, res.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, res.Report, again, "saved weights reproduce the report")
}

type cancelOnEpochEnd struct {
	nn.NopCallback
	cancel context.CancelFunc
}

func (c cancelOnEpochEnd) OnEpochEnd(epoch int, logs map[string]float64) bool {
	c.cancel()
	return false
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t)
	fields, times, targets := synthetic(24, 4, 4, []string{"a"}, 1)
	p, err := PrepareFromFields(cfg, fields, times, targets, zap.NewNop())
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(cfg.Output.Dir, "runs.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &Runner{Config: cfg, Store: s, Callbacks: []nn.Callback{cancelOnEpochEnd{cancel: cancel}}}
	res, err := r.Run(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, store.StatusCancelled, res.Status)
	assert.Equal(t, 1, res.Train.Epochs)

	run, err := s.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, run.Status)
}

func TestPrepareFromDisk(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Data.Dir = dir
	cfg.Data.TargetsPath = filepath.Join(dir, "opg.csv")
	cfg.Region.LatMin, cfg.Region.LatMax = 40, 41
	cfg.Region.LonMin, cfg.Region.LonMax = -112, -111.25

	opts := synth.DefaultOptions()
	opts.Days = 30
	opts.Facets = 4
	require.NoError(t, synth.Generate(cfg, opts))

	// Replace the first channel with a grid whose values encode their own
	// coordinates, on the same axes synth uses (two points of margin).
	ivt := cfg.Channels[0]
	grid := ingest.Grid{
		Variable: ivt.Variable, TimeVar: "time", LatVar: "latitude", LonVar: "longitude",
	}
	for d := 0; d < opts.Days; d++ {
		grid.Times = append(grid.Times, opts.Start.AddDate(0, 0, d))
	}
	for i := 0; i < 9; i++ {
		grid.Lats = append(grid.Lats, 41.5-0.25*float64(i))
	}
	for j := 0; j < 8; j++ {
		grid.Lons = append(grid.Lons, 360-112.5+0.25*float64(j))
	}
	cell := func(d int, lat, lon float64) float64 { return 100*float64(d) + 10*lat + lon }
	for d := range grid.Times {
		for _, lat := range grid.Lats {
			for _, lon := range grid.Lons {
				grid.Data = append(grid.Data, cell(d, lat, lon-360))
			}
		}
	}
	require.NoError(t, ingest.WriteGrid(cfg.ChannelPath(ivt), grid))

	p, err := Prepare(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 6}, p.Samples.SampleShape())

	stats := p.FieldStats[0]
	for _, d := range []int{0, 17, 29} {
		for a := 0; a < 5; a++ {
			for b := 0; b < 4; b++ {
				got := stats.InverseValue(p.Samples.Data.Get(d, a, b, 0), a*4+b)
				want := cell(d, 41-0.25*float64(a), -112+0.25*float64(b))
				assert.InDelta(t, want, got, 1e-2, "day %d cell (%d,%d)", d, a, b)
			}
		}
	}
	assert.Equal(t, 30, p.Samples.Len())
	assert.Equal(t, cfg.ChannelNames(), p.Channels)
	assert.Len(t, p.Facets, 4)
	assert.GreaterOrEqual(t, p.Filled, 2*4, "two dates are absent from the table")
}
