package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "commitpipe",
	Short: "Commit-scan scheduling and execution pipeline",
	Long: `commitpipe fans a build-history CSV out into one analysis task per
unique commit, runs each through an analysis backend, correlates the
resulting quality-gate webhook, and exports per-project metrics.

Get started:
  commitpipe ingest    Upload a build-history CSV and enqueue its commits
  commitpipe serve     Run the HTTP API, webhook receiver, and reconciler
  commitpipe worker    Run a commit-execution worker against the queue
  commitpipe doctor    Verify storage, queue, and backend connectivity`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.commitpipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		ingestCmd,
		serveCmd,
		workerCmd,
		configCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
