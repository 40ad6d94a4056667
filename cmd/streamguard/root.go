package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hed1ad/streamguard/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds state shared by the subcommands.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "streamguard",
		Short: "Continuous distance-based outlier detection over data streams",
		Long: `streamguard flags outliers in a stream of numeric vectors over a sliding
window: a point is an inlier when at least k other points of the window lie
within distance R of it.

Examples:
  streamguard detect --datafile flows.csv --window 1000 --slide 100 --radius 0.5 --k 50
  streamguard detect --config streamguard.yaml --index lsh
  streamguard runs --db runs.db`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newDetectCmd(a),
		newRunsCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration file, if any, and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.cfg = config.Default()
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = *cfg
	}

	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	level, err := a.cfg.Level()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamguard %s\n", version)
		},
	}
}
