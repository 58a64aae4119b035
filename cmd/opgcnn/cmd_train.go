package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opgcnn/internal/experiment"
	"opgcnn/internal/observability"
	"opgcnn/internal/store"
)

var (
	trainEpochs int
	trainSeed   int64
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Prepare the dataset, train the model and evaluate it on the test split",
	Long: `Reads every configured channel and the OPG table, standardizes and splits
the samples, trains with early stopping on the validation split and writes
model weights, report and loss history under output.dir/<run-id>/.

Interrupting (Ctrl-C) stops training between batches; the run is recorded as
cancelled.`,
	RunE: runTrain,
}

func runTrain(cmd *cobra.Command, args []string) error {
	if trainEpochs > 0 {
		cfg.Training.Epochs = trainEpochs
	}
	if trainSeed != 0 {
		cfg.Split.Seed = trainSeed
		cfg.Training.Seed = trainSeed
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prepared, err := experiment.Prepare(cfg, logger)
	if err != nil {
		return err
	}

	runs, err := store.Open(cfg.Output.RunsDB)
	if err != nil {
		return err
	}
	defer runs.Close()

	m := promMetrics()
	if metricsAddr != "" {
		srv := observability.NewServer(metricsAddr, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runner := &experiment.Runner{Config: cfg, Logger: logger, Metrics: m, Store: runs}
	res, err := runner.Run(ctx, prepared)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run      %s (%s)\n", res.RunID, res.Status)
	fmt.Fprintf(out, "epochs   %d (best %d)\n", res.Train.Epochs, res.Train.BestEpoch+1)
	fmt.Fprintf(out, "model    %s\n", res.ModelPath)
	if res.Report != nil {
		o := res.Report.Overall
		fmt.Fprintf(out, "%-8s r2=%.4f rmse=%.4f mae=%.4f bias=%.4f mse=%.4f\n", res.Split, o.R2, o.RMSE, o.MAE, o.Bias, o.MSE)
		fmt.Fprintf(out, "report   %s\n", res.ReportPath)
	}
	return nil
}
