// Package experiment runs the end-to-end workflow: ingest and standardize the
// inputs, assemble and split samples, train the model, then evaluate it and
// record the run.
package experiment

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opgcnn/internal/config"
	"opgcnn/internal/dataset"
	"opgcnn/internal/ingest"
	"opgcnn/internal/standardize"
	"opgcnn/nn"
)

// Prepared is the model-ready state of one experiment. Samples and Targets
// are standardized; missing targets have been filled with 0.
type Prepared struct {
	Channels []string
	Facets   []string
	Times    []time.Time

	Samples *dataset.Samples
	Targets *dataset.Targets
	Split   *dataset.Split

	FieldStats  []*standardize.Stats // one per channel, in channel order
	TargetStats *standardize.Stats

	Filled     int // target cells replaced by 0
	Degenerate int // field positions with zero variance
}

// Prepare reads every configured channel and the target table, then
// calls PrepareFromFields.
func Prepare(cfg *config.Config, logger *zap.Logger) (*Prepared, error) {
	fields := make([]dataset.Field, len(cfg.Channels))
	axes := make([]ingest.Axes, len(cfg.Channels))

	var g errgroup.Group
	g.SetLimit(len(cfg.Channels))
	for i, ch := range cfg.Channels {
		g.Go(func() error {
			path := cfg.ChannelPath(ch)
			f, a, err := ingest.ReadField(path, ch, cfg.Region)
			if err != nil {
				return err
			}
			logger.Debug("read channel",
				zap.String("channel", ch.Name),
				zap.String("path", path),
				zap.Ints("shape", f.Data.Shape))
			fields[i], axes[i] = f, a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ingest.CheckAxes(cfg.ChannelNames(), axes); err != nil {
		return nil, err
	}

	targets, err := ingest.ReadTargetsFile(cfg.Data.TargetsPath)
	if err != nil {
		return nil, err
	}
	logger.Info("inputs loaded",
		zap.Int("channels", len(fields)),
		zap.Int("days", len(axes[0].Times)),
		zap.Int("target_rows", targets.Len()),
		zap.Int("missing_target_cells", targets.Missing()),
		zap.Int("facets", len(targets.Facets)))

	return PrepareFromFields(cfg, fields, axes[0].Times, targets, logger)
}

// PrepareFromFields standardizes fields per grid position, stacks them in
// the given order, aligns targets to times, standardizes targets globally,
// fills missing targets and splits the samples.
func PrepareFromFields(cfg *config.Config, fields []dataset.Field, times []time.Time, targets *dataset.Targets, logger *zap.Logger) (*Prepared, error) {
	policy, err := standardize.ParsePolicy(cfg.Standardize.ZeroVariance)
	if err != nil {
		return nil, err
	}
	opts := standardize.Options{ZeroVariance: policy}

	p := &Prepared{
		Times:      times,
		FieldStats: make([]*standardize.Stats, len(fields)),
	}
	scaled := make([]dataset.Field, len(fields))
	for i, f := range fields {
		if f.Data == nil || len(f.Data.Shape) == 0 || f.Data.Shape[0] != len(times) {
			return nil, fmt.Errorf("%w: field %q does not have %d time steps", dataset.ErrShapeMismatch, f.Name, len(times))
		}
		data, stats, err := standardize.FitTransform(f.Data, opts)
		if err != nil {
			return nil, fmt.Errorf("standardize %s: %w", f.Name, err)
		}
		if n := len(stats.Degenerate); n > 0 {
			logger.Warn("zero-variance positions treated as unit std",
				zap.String("channel", f.Name), zap.Int("positions", n))
			p.Degenerate += n
		}
		scaled[i] = dataset.Field{Name: f.Name, Data: data}
		p.FieldStats[i] = stats
	}

	if p.Samples, err = dataset.Stack(scaled); err != nil {
		return nil, err
	}
	p.Channels = p.Samples.Channels

	aligned, err := dataset.AlignTargets(times, targets)
	if err != nil {
		return nil, err
	}
	values, tstats, err := standardize.FitTransformGlobal(aligned.Values, opts)
	if err != nil {
		return nil, fmt.Errorf("standardize targets: %w", err)
	}
	aligned.Values = values
	p.TargetStats = tstats
	p.Filled = dataset.FillMissing(aligned)
	p.Targets = aligned
	p.Facets = aligned.Facets

	n := p.Samples.Len()
	if cfg.Split.HasCounts() {
		p.Split, err = dataset.NewSplit(n, cfg.Split.Seed, cfg.Split.Train, cfg.Split.Test, cfg.Split.Val)
	} else {
		p.Split, err = dataset.SplitByFraction(n, cfg.Split.Seed, cfg.Split.TrainFrac, cfg.Split.TestFrac)
	}
	if err != nil {
		return nil, err
	}

	train, test, val := p.Split.Sizes()
	logger.Info("dataset prepared",
		zap.Ints("sample_shape", p.Samples.SampleShape()),
		zap.Int("samples", n),
		zap.Int("filled_targets", p.Filled),
		zap.Int("degenerate_positions", p.Degenerate),
		zap.Int("train", train),
		zap.Int("test", test),
		zap.Int("val", val))
	return p, nil
}

// Subset returns the samples at idx as network-ready rows.
func (p *Prepared) Subset(idx []int) nn.Dataset {
	return nn.Dataset{
		Inputs:  p.Samples.Subset(idx).Rows(),
		Targets: p.Targets.Subset(idx).Rows(),
	}
}

func (p *Prepared) Train() nn.Dataset { return p.Subset(p.Split.Train) }
func (p *Prepared) Test() nn.Dataset  { return p.Subset(p.Split.Test) }
func (p *Prepared) Val() nn.Dataset   { return p.Subset(p.Split.Val) }
