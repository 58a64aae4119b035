// Command opgcnn trains and evaluates the orographic precipitation gradient
// CNN on gridded reanalysis fields.
package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opgcnn/internal/config"
	"opgcnn/internal/observability"
)

var (
	// Global flags
	cfgPath     string
	verbose     bool
	metricsAddr string

	cfg    *config.Config
	logger *zap.Logger

	metricsOnce sync.Once
	metrics     *observability.Metrics
)

// promMetrics registers the collectors once per process.
func promMetrics() *observability.Metrics {
	metricsOnce.Do(func() { metrics = observability.NewMetrics() })
	return metrics
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "opgcnn",
	Short: "Predict orographic precipitation gradients from reanalysis fields",
	Long: `opgcnn trains a small convolutional network that maps six daily
reanalysis fields over a lat/lon box to the precipitation gradient of every
mountain facet.

Settings come from built-in defaults, then the YAML file given with --config,
then OPG_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = observability.NewLogger(level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "opgcnn %s (nn %s)\n", version, nnVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file (defaults only when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while training (e.g. :9090)")

	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "Override training.epochs")
	trainCmd.Flags().Int64Var(&trainSeed, "seed", 0, "Override the split and training seeds")

	evaluateCmd.Flags().StringVar(&evalModel, "model", "", "Saved weights to evaluate")
	evaluateCmd.Flags().StringVar(&evalRun, "run", "", "Evaluate the model of this recorded run ID")
	evaluateCmd.Flags().StringVarP(&evalOut, "out", "o", "", "Write the JSON report here instead of stdout")
	evaluateCmd.MarkFlagsMutuallyExclusive("model", "run")
	evaluateCmd.MarkFlagsOneRequired("model", "run")

	summaryCmd.Flags().IntVar(&summaryFacets, "facets", 0, "Output width (default: facet count of the targets file)")

	splitCmd.Flags().IntVarP(&splitN, "samples", "n", 2708, "Number of samples to split")
	splitCmd.Flags().IntVar(&splitHead, "head", 5, "Indices to print from each subset")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Most recent runs to list (0 for all)")

	synthCmd.Flags().IntVar(&synthDays, "days", 0, "Days to generate")
	synthCmd.Flags().IntVar(&synthFacets, "facets", 0, "Facets to generate")
	synthCmd.Flags().Int64Var(&synthSeed, "seed", 0, "Generator seed")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(splitCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
