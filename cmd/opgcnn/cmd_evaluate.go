package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opgcnn/internal/experiment"
	"opgcnn/internal/store"
)

var (
	evalModel string
	evalRun   string
	evalOut   string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate saved weights on the test split",
	Long: `Rebuilds the dataset from the current configuration (the seeded split is
reproducible), loads the weights and reports R², RMSE, MAE and bias per facet
in physical units.

Examples:
  opgcnn evaluate --model runs/<id>/model.json
  opgcnn evaluate --run <id> -o report.json`,
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	modelPath := evalModel
	if evalRun != "" {
		runs, err := store.Open(cfg.Output.RunsDB)
		if err != nil {
			return err
		}
		run, err := runs.GetRun(cmd.Context(), evalRun)
		runs.Close()
		if err != nil {
			return err
		}
		if run.ModelPath == "" {
			return fmt.Errorf("run %s has no saved model (status %s)", run.ID, run.Status)
		}
		modelPath = run.ModelPath
	}

	prepared, err := experiment.Prepare(cfg, logger)
	if err != nil {
		return err
	}
	runner := &experiment.Runner{Config: cfg, Logger: logger}
	report, err := runner.EvaluateSaved(prepared, modelPath)
	if err != nil {
		return err
	}

	if evalOut == "" {
		return report.WriteJSON(cmd.OutOrStdout())
	}
	f, err := os.Create(evalOut)
	if err != nil {
		return err
	}
	if err := report.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
