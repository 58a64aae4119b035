package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"opgcnn/internal/config"
	"opgcnn/internal/evaluate"
	"opgcnn/internal/model"
	"opgcnn/internal/observability"
	"opgcnn/internal/standardize"
	"opgcnn/internal/store"
	"opgcnn/nn"
)

// Artifact file names inside a run directory.
const (
	ReportFile  = "report.json"
	HistoryFile = "history.csv"
	StatsFile   = "stats.json"
	ConfigFile  = "config.yaml"
)

// Runner trains and evaluates one model per Run call. Metrics, Store and
// Callbacks are optional.
type Runner struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Store     *store.Store
	Clock     clockwork.Clock
	Callbacks []nn.Callback // run after the built-in ones
}

// Result describes a finished run and where its artifacts were written.
type Result struct {
	RunID  string
	Status string
	Dir    string

	ModelPath   string
	ReportPath  string
	HistoryPath string
	StatsPath   string

	Train  *nn.TrainResult
	Report *evaluate.Report
	Split  string // split the report was computed on
}

// StatsArtifact is the standardization state written next to the weights.
type StatsArtifact struct {
	Channels    []string             `json:"channels"`
	Facets      []string             `json:"facets"`
	FieldStats  []*standardize.Stats `json:"field_stats"`
	TargetStats *standardize.Stats   `json:"target_stats"`
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

// Build constructs the compiled network for p.
func (r *Runner) Build(p *Prepared) (*nn.Network, error) {
	t := r.Config.Training
	return model.New(len(p.Facets), model.Options{
		Seed:         t.Seed,
		Workers:      t.Workers,
		CheckFinite:  t.CheckFinite,
		InputShape:   p.Samples.SampleShape(),
		LearningRate: t.LearningRate,
		L2:           t.L2,
		ClipNorm:     t.ClipNorm,
		ClipValue:    t.ClipValue,
		Optimizer:    t.Optimizer,
	})
}

// Run trains on the train split with early stopping on the validation split,
// evaluates on the test split, writes artifacts and records the run.
func (r *Runner) Run(ctx context.Context, p *Prepared) (*Result, error) {
	cfg := r.Config
	clock := r.clock()
	res := &Result{RunID: uuid.NewString(), Status: store.StatusRunning}
	res.Dir = filepath.Join(cfg.Output.Dir, res.RunID)
	log := r.logger().With(zap.String("run_id", res.RunID))

	if err := os.MkdirAll(res.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	snapshot, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(res.Dir, ConfigFile), snapshot, 0o644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	if r.Store != nil {
		if _, err := r.Store.CreateRun(ctx, store.Run{
			ID:        res.RunID,
			Seed:      cfg.Training.Seed,
			Config:    string(snapshot),
			StartedAt: clock.Now(),
		}); err != nil {
			return nil, err
		}
	}

	train, test, val := p.Split.Sizes()
	if r.Metrics != nil {
		r.Metrics.Samples.WithLabelValues("train").Set(float64(train))
		r.Metrics.Samples.WithLabelValues("test").Set(float64(test))
		r.Metrics.Samples.WithLabelValues("val").Set(float64(val))
	}

	net, err := r.Build(p)
	if err != nil {
		return nil, r.fail(ctx, res, err)
	}
	log.Info("model built", zap.Int("params", net.NumParams()), zap.Ints("input_shape", net.InputShape()))
	log.Debug(net.Summary())

	monitor := "val_loss"
	if val == 0 {
		monitor = "loss"
	}
	early := nn.EarlyStopping(nn.EarlyStoppingConfig{
		Monitor:     monitor,
		Mode:        "min",
		Patience:    cfg.Training.Patience,
		RestoreBest: cfg.Training.RestoreBest,
	})
	callbacks := []nn.Callback{
		early,
		observability.LogProgress(observability.LogProgressConfig{Logger: log, Metrics: r.Metrics, Clock: clock}),
	}
	var recorder *store.EpochRecorder
	if r.Store != nil {
		recorder = store.NewEpochRecorder(ctx, r.Store, res.RunID)
		callbacks = append(callbacks, recorder)
	}
	callbacks = append(callbacks, r.Callbacks...)

	res.Train, err = net.Train(ctx, p.Train(), p.Val(), nn.TrainConfig{
		Epochs:    cfg.Training.Epochs,
		BatchSize: cfg.Training.BatchSize,
		Shuffle:   cfg.Training.Shuffle,
	}, callbacks)
	if err != nil {
		return res, r.fail(ctx, res, err)
	}
	if recorder != nil && recorder.Err() != nil {
		log.Warn("epoch metrics not recorded", zap.Error(recorder.Err()))
	}
	res.Status = store.StatusCompleted
	if res.Train.StoppedEpoch >= 0 {
		res.Status = store.StatusStopped
		log.Info("training stopped",
			zap.Bool("early_stopping", early.StoppedEpoch() >= 0),
			zap.Int("stopped_epoch", res.Train.StoppedEpoch+1),
			zap.Int("best_epoch", res.Train.BestEpoch+1),
			zap.Float64("best_"+monitor, early.BestValue()))
	}

	res.ModelPath = filepath.Join(res.Dir, cfg.Output.ModelFile)
	if err := net.Save(res.ModelPath); err != nil {
		return res, r.fail(ctx, res, fmt.Errorf("save model: %w", err))
	}
	res.StatsPath = filepath.Join(res.Dir, StatsFile)
	if err := writeJSON(res.StatsPath, StatsArtifact{
		Channels:    p.Channels,
		Facets:      p.Facets,
		FieldStats:  p.FieldStats,
		TargetStats: p.TargetStats,
	}); err != nil {
		return res, r.fail(ctx, res, err)
	}
	res.HistoryPath = filepath.Join(res.Dir, HistoryFile)
	if err := writeFile(res.HistoryPath, func(f *os.File) error {
		return evaluate.WriteHistoryCSV(f, res.Train.History)
	}); err != nil {
		return res, r.fail(ctx, res, err)
	}

	split, idx := "test", p.Split.Test
	if len(idx) == 0 {
		split, idx = "val", p.Split.Val
	}
	if len(idx) > 0 {
		res.Split = split
		if res.Report, err = ScoreSplit(net, p, idx); err != nil {
			return res, r.fail(ctx, res, err)
		}
		res.ReportPath = filepath.Join(res.Dir, ReportFile)
		if err := writeFile(res.ReportPath, func(f *os.File) error { return res.Report.WriteJSON(f) }); err != nil {
			return res, r.fail(ctx, res, err)
		}
		if r.Store != nil {
			if err := r.Store.RecordEvaluation(ctx, res.RunID, split, res.Report); err != nil {
				return res, r.fail(ctx, res, err)
			}
		}
		log.Info("evaluation",
			zap.String("split", split),
			zap.Float64("r2", res.Report.Overall.R2),
			zap.Float64("rmse", res.Report.Overall.RMSE),
			zap.Float64("mae", res.Report.Overall.MAE),
			zap.Float64("mse", res.Report.Overall.MSE))
	}

	if r.Store != nil {
		if err := r.Store.FinishRun(ctx, res.RunID, r.outcome(res)); err != nil {
			return res, err
		}
	}
	if r.Metrics != nil {
		r.Metrics.Runs.WithLabelValues(res.Status).Inc()
	}
	log.Info("run finished",
		zap.String("status", res.Status),
		zap.Int("epochs", res.Train.Epochs),
		zap.String("dir", res.Dir))
	return res, nil
}

func (r *Runner) outcome(res *Result) store.Outcome {
	o := store.Outcome{
		Status:       res.Status,
		FinishedAt:   r.clock().Now(),
		BestEpoch:    -1,
		StoppedEpoch: -1,
		ModelPath:    res.ModelPath,
	}
	if res.Train != nil {
		o.Epochs = res.Train.Epochs
		o.BestEpoch = res.Train.BestEpoch
		o.StoppedEpoch = res.Train.StoppedEpoch
		o.FinalLoss = res.Train.FinalLoss
	}
	return o
}

// fail marks the run cancelled or failed and returns err.
func (r *Runner) fail(ctx context.Context, res *Result, err error) error {
	res.Status = store.StatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Status = store.StatusCancelled
	}
	r.logger().Error("run failed", zap.String("run_id", res.RunID), zap.String("status", res.Status), zap.Error(err))
	if r.Metrics != nil {
		r.Metrics.Runs.WithLabelValues(res.Status).Inc()
	}
	if r.Store != nil {
		// the caller's context may be the reason we are here
		if serr := r.Store.FinishRun(context.WithoutCancel(ctx), res.RunID, r.outcome(res)); serr != nil {
			r.logger().Warn("run status not recorded", zap.Error(serr))
		}
	}
	return err
}

// ScoreSplit predicts the samples at idx and evaluates them in physical units.
func ScoreSplit(net *nn.Network, p *Prepared, idx []int) (*evaluate.Report, error) {
	d := p.Subset(idx)
	pred, err := net.Predict(d.Inputs)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return evaluate.Evaluate(pred, d.Targets, p.TargetStats, p.Facets)
}

// EvaluateSaved rebuilds the model for p, loads weights from modelPath and
// evaluates the test split.
func (r *Runner) EvaluateSaved(p *Prepared, modelPath string) (*evaluate.Report, error) {
	net, err := r.Build(p)
	if err != nil {
		return nil, err
	}
	if err := net.Load(modelPath); err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}
	start := r.clock().Now()
	report, err := ScoreSplit(net, p, p.Split.Test)
	if err != nil {
		return nil, err
	}
	r.logger().Info("evaluated saved model",
		zap.String("model", modelPath),
		zap.Int("samples", len(p.Split.Test)),
		zap.Duration("elapsed", r.clock().Since(start)),
		zap.Float64("r2", report.Overall.R2))
	return report, nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	return writeFile(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}
