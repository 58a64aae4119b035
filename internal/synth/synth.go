// Package synth writes a synthetic reanalysis and OPG dataset in the on-disk
// layout the ingest package reads. Fields share a latent daily storm index
// so a trained model has a learnable signal.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"opgcnn/internal/config"
	"opgcnn/internal/dataset"
	"opgcnn/internal/ingest"
)

// Options control the generated dataset.
type Options struct {
	Days   int
	Start  time.Time
	Facets int
	Seed   int64

	// MissingFrac is the probability a target cell is left empty.
	MissingFrac float64
	// SkipEvery drops every n-th date from the target table (0 keeps all).
	SkipEvery int
	// Packed stores level variables as scaled int16.
	Packed bool
}

// DefaultOptions is two months of data over eight facets.
func DefaultOptions() Options {
	return Options{
		Days:        60,
		Start:       time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		Facets:      8,
		Seed:        7,
		MissingFrac: 0.05,
		SkipEvery:   11,
		Packed:      true,
	}
}

const (
	step   = 0.25 // degrees
	margin = 2    // grid points outside the region on every side
)

// Generate writes every configured channel to cfg.ChannelPath and the target
// table to cfg.Data.TargetsPath.
func Generate(cfg *config.Config, opts Options) error {
	if opts.Days <= 0 || opts.Facets <= 0 {
		return fmt.Errorf("synth: days and facets must be positive, got %d and %d", opts.Days, opts.Facets)
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	times := make([]time.Time, opts.Days)
	storm := make([]float64, opts.Days)
	prev := 0.0
	for i := range times {
		times[i] = opts.Start.AddDate(0, 0, i)
		prev = 0.7*prev + rng.NormFloat64()
		storm[i] = prev
	}

	lats := axis(cfg.Region.LatMax+margin*step, cfg.Region.LatMin-margin*step, -step)
	lons := axis(cfg.Region.LonMin-margin*step, cfg.Region.LonMax+margin*step, step)
	for i, lon := range lons {
		if lon < 0 {
			lons[i] = lon + 360
		}
	}

	for c, ch := range cfg.Channels {
		g := ingest.Grid{
			Variable: ch.Variable,
			TimeVar:  cfg.Region.TimeVar,
			LatVar:   cfg.Region.LatVar,
			LonVar:   cfg.Region.LonVar,
			Times:    times,
			Lats:     lats,
			Lons:     lons,
		}
		levels := 1
		if ch.Level != nil {
			g.LevelVar = ch.LevelVar
			g.Levels = []float64{*ch.Level, *ch.Level + 150}
			levels = len(g.Levels)
			g.Packed = opts.Packed
		}

		mean, amp := 10*float64(c+1), float64(c+1)
		g.Data = make([]float64, 0, len(times)*levels*len(lats)*len(lons))
		for t := range times {
			for l := 0; l < levels; l++ {
				for i := range lats {
					for j := range lons {
						// storm weight peaks in the middle of the box
						w := math.Exp(-(sq(float64(i)/float64(len(lats))-0.5) + sq(float64(j)/float64(len(lons))-0.5)) * 4)
						physical := mean + amp*(storm[t]*w+0.1*rng.NormFloat64()) + float64(l)
						g.Data = append(g.Data, (physical-ch.Offset)/ch.Scale)
					}
				}
			}
		}

		path := cfg.ChannelPath(ch)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("synth: %w", err)
		}
		if err := ingest.WriteGrid(path, g); err != nil {
			return err
		}
	}

	targets := &dataset.Targets{Facets: make([]string, opts.Facets)}
	for f := range targets.Facets {
		targets.Facets[f] = fmt.Sprintf("F%02d", f+1)
	}
	var flat []float64
	for t, day := range times {
		if opts.SkipEvery > 0 && (t+1)%opts.SkipEvery == 0 {
			continue
		}
		targets.Times = append(targets.Times, day)
		for f := 0; f < opts.Facets; f++ {
			if rng.Float64() < opts.MissingFrac {
				flat = append(flat, math.NaN())
				continue
			}
			gain := 0.5 + float64(f)/float64(opts.Facets)
			flat = append(flat, math.Max(0, 2+gain*storm[t]+0.2*rng.NormFloat64()))
		}
	}
	targets.Values = dataset.Matrix(len(targets.Times), opts.Facets, flat)

	path := cfg.Data.TargetsPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("synth: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("synth: %w", err)
	}
	if err := ingest.WriteTargets(f, targets); err != nil {
		f.Close()
		return fmt.Errorf("synth: write targets: %w", err)
	}
	return f.Close()
}

// axis returns from, from+step, ... up to and including to.
func axis(from, to, step float64) []float64 {
	n := int(math.Round((to-from)/step)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func sq(x float64) float64 { return x * x }
