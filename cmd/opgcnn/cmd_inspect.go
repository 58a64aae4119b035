package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"opgcnn/internal/dataset"
	"opgcnn/internal/ingest"
	"opgcnn/internal/model"
	"opgcnn/internal/store"
	"opgcnn/internal/synth"
	"opgcnn/nn"
)

const version = "0.3.0"

func nnVersion() string { return nn.Version }

var (
	summaryFacets int
	splitN        int
	splitHead     int
	runsLimit     int
	synthDays     int
	synthFacets   int
	synthSeed     int64
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the network topology and parameter counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		facets := summaryFacets
		if facets == 0 {
			t, err := ingest.ReadTargetsFile(cfg.Data.TargetsPath)
			if err != nil {
				return fmt.Errorf("%w (pass --facets to skip reading targets)", err)
			}
			facets = len(t.Facets)
		}
		shape := []int{model.InputShape[0], model.InputShape[1], len(cfg.Channels)}
		net, err := model.New(facets, model.Options{
			Seed:         cfg.Training.Seed,
			Workers:      cfg.Training.Workers,
			InputShape:   shape,
			Optimizer:    cfg.Training.Optimizer,
			LearningRate: cfg.Training.LearningRate,
			L2:           cfg.Training.L2,
			ClipNorm:     cfg.Training.ClipNorm,
			ClipValue:    cfg.Training.ClipValue,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), net.Summary())
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Print split sizes and leading indices for the configured seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			s   *dataset.Split
			err error
		)
		if cfg.Split.HasCounts() {
			s, err = dataset.NewSplit(splitN, cfg.Split.Seed, cfg.Split.Train, cfg.Split.Test, cfg.Split.Val)
		} else {
			s, err = dataset.SplitByFraction(splitN, cfg.Split.Seed, cfg.Split.TrainFrac, cfg.Split.TestFrac)
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "seed %d, %d samples\n", s.Seed, splitN)
		for _, part := range []struct {
			name string
			idx  []int
		}{{"train", s.Train}, {"test", s.Test}, {"val", s.Val}} {
			head := part.idx[:min(splitHead, len(part.idx))]
			fmt.Fprintf(out, "%-5s %5d %v\n", part.name, len(part.idx), head)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded training runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfg.Output.RunsDB); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
			return nil
		}
		runs, err := store.Open(cfg.Output.RunsDB)
		if err != nil {
			return err
		}
		defer runs.Close()

		list, err := runs.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tEPOCHS\tBEST\tFINAL LOSS")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.4f\n",
				r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Epochs, r.BestEpoch+1, r.FinalLoss)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one run's epochs and evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := store.Open(cfg.Output.RunsDB)
		if err != nil {
			return err
		}
		defer runs.Close()

		ctx := cmd.Context()
		r, err := runs.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s: %s, %d epochs, best %d, model %s\n",
			r.ID, r.Status, r.Epochs, r.BestEpoch+1, r.ModelPath)

		epochs, err := runs.Epochs(ctx, r.ID)
		if err != nil {
			return err
		}
		if len(epochs) > 0 {
			names := make([]string, 0, len(epochs[0].Metrics))
			for name := range epochs[0].Metrics {
				names = append(names, name)
			}
			sort.Strings(names)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "EPOCH\t%s\n", strings.ToUpper(strings.Join(names, "\t")))
			for _, e := range epochs {
				fmt.Fprintf(w, "%d", e.Epoch+1)
				for _, name := range names {
					fmt.Fprintf(w, "\t%.4f", e.Metrics[name])
				}
				fmt.Fprintln(w)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		for _, split := range []string{"test", "val"} {
			rep, err := runs.Evaluation(ctx, r.ID, split)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: n=%d r2=%.3f rmse=%.3f\n", split, rep.Overall.N, rep.Overall.R2, rep.Overall.RMSE)
			for _, f := range rep.Facets {
				fmt.Fprintf(out, "  %-8s r2=%.3f rmse=%.3f\n", f.Facet, f.R2, f.RMSE)
			}
			return nil
		}
		fmt.Fprintln(out, "no evaluation recorded")
		return nil
	},
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Write a synthetic dataset to the configured data paths",
	Long: `Generates NetCDF files for every configured channel over the configured
region plus an OPG table, all driven by one latent storm index. Useful for
smoke-testing the pipeline without reanalysis downloads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := synth.DefaultOptions()
		if synthDays > 0 {
			opts.Days = synthDays
		}
		if synthFacets > 0 {
			opts.Facets = synthFacets
		}
		if synthSeed != 0 {
			opts.Seed = synthSeed
		}
		if err := synth.Generate(cfg, opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d channels and %s (%d days, %d facets)\n",
			len(cfg.Channels), cfg.Data.TargetsPath, opts.Days, opts.Facets)
		return nil
	},
}
