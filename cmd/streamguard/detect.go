package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hed1ad/streamguard/pkg/config"
	"github.com/hed1ad/streamguard/pkg/detectors/mcod"
	streamio "github.com/hed1ad/streamguard/pkg/io"
	"github.com/hed1ad/streamguard/pkg/io/csv"
	"github.com/hed1ad/streamguard/pkg/io/mqtt"
	"github.com/hed1ad/streamguard/pkg/io/pcap"
	"github.com/hed1ad/streamguard/pkg/io/sqlite"
	"github.com/hed1ad/streamguard/pkg/io/text"
)

// detectFlags mirror the configuration file. Only flags set on the command
// line override it.
type detectFlags struct {
	index        string
	window       int
	slide        int
	radius       float64
	k            int
	theta        float64
	format       string
	datafile     string
	header       bool
	class        bool
	topic        string
	broker       string
	outliersFile string
	database     string
}

func newDetectCmd(a *app) *cobra.Command {
	var f detectFlags

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect outliers in a data stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.apply(cmd.Flags(), &a.cfg); err != nil {
				return err
			}
			return a.detect(cmd)
		},
	}

	defaults := config.Default()
	fs := cmd.Flags()
	fs.StringVar(&f.index, "index", defaults.Index.Kind, "neighbor index: mtree (exact) or lsh (approximate)")
	fs.IntVarP(&f.window, "window", "W", defaults.Detector.WindowSize, "window size in objects")
	fs.IntVar(&f.slide, "slide", defaults.Detector.SlideSize, "slide size in objects")
	fs.Float64VarP(&f.radius, "radius", "R", defaults.Detector.Radius, "neighbor distance threshold")
	fs.IntVarP(&f.k, "k", "k", defaults.Detector.K, "neighbors an inlier needs")
	fs.Float64Var(&f.theta, "theta", defaults.Theta, "micro-cluster formation multiplier")
	fs.StringVar(&f.format, "format", defaults.Input.Format, "input format: csv, pcap or mqtt")
	fs.StringVar(&f.datafile, "datafile", "", "input file for csv and pcap formats")
	fs.BoolVar(&f.header, "header", false, "csv input has a header row")
	fs.BoolVar(&f.class, "contains-class", false, "csv input has a trailing class column")
	fs.StringVar(&f.broker, "broker", "", "MQTT broker URL")
	fs.StringVar(&f.topic, "topic", "", "MQTT topic")
	fs.StringVar(&f.outliersFile, "outliers-file", defaults.Output.OutliersFile, "file receiving outlier ids, one per line")
	fs.StringVar(&f.database, "db", "", "SQLite database recording the run")

	return cmd
}

// apply copies the flags set on the command line into cfg and validates
// the result.
func (f *detectFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}

	set("index", func() { cfg.Index.Kind = f.index })
	set("window", func() { cfg.Detector.WindowSize = f.window })
	set("slide", func() { cfg.Detector.SlideSize = f.slide })
	set("radius", func() { cfg.Detector.Radius = f.radius })
	set("k", func() { cfg.Detector.K = f.k })
	set("theta", func() { cfg.Theta = f.theta })
	set("format", func() { cfg.Input.Format = f.format })
	set("datafile", func() { cfg.Input.File = f.datafile })
	set("header", func() { cfg.Input.Header = f.header })
	set("contains-class", func() { cfg.Input.ClassColumn = f.class })
	set("broker", func() { cfg.Input.MQTT.URL = f.broker })
	set("topic", func() { cfg.Input.MQTT.Topic = f.topic })
	set("outliers-file", func() { cfg.Output.OutliersFile = f.outliersFile })
	set("db", func() { cfg.Output.Database = f.database })

	return cfg.Validate()
}

func (a *app) detect(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	runID := uuid.NewString()

	reader, err := a.openReader(ctx)
	if err != nil {
		return err
	}
	defer reader.Close()

	writers := []streamio.Writer{text.NewReport(cmd.OutOrStdout())}
	if cfg.Output.OutliersFile != "" {
		writers = append(writers, text.NewOutliersFile(cfg.Output.OutliersFile))
	}
	if cfg.Output.Database != "" {
		store, err := sqlite.Open(cfg.Output.Database)
		if err != nil {
			return fmt.Errorf("opening run database: %w", err)
		}
		defer store.Close()

		run, err := store.StartRun(ctx, source(cfg), cfg.Index.Kind, cfg.Detector)
		if err != nil {
			return err
		}
		runID = run.ID()
		writers = append(writers, run)
	}
	out := streamio.MultiWriter(writers...)
	defer out.Close()

	logger := a.logger.With(slog.String("run_id", runID))
	det, err := mcod.New(cfg.Detector,
		mcod.WithTheta(cfg.Theta),
		mcod.WithLogger(logger),
		mcod.WithIndex(cfg.IndexFactory()))
	if err != nil {
		return err
	}

	logger.Info("detection started",
		slog.String("source", source(cfg)),
		slog.String("index", cfg.Index.Kind),
		slog.Int("window", cfg.Detector.WindowSize),
		slog.Int("slide", cfg.Detector.SlideSize),
		slog.Float64("radius", cfg.Detector.Radius),
		slog.Int("k", cfg.Detector.K))

	start := time.Now()
	n, err := streamio.Drain(ctx, reader, det, cfg.Detector.SlideSize)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("stream interrupted, finalizing", slog.Int("objects", n))
	case err != nil:
		return err
	}

	stats, err := det.Finalize()
	if err != nil {
		return err
	}
	res := streamio.Result{
		Outliers:   det.Outliers(),
		Statistics: stats,
		Objects:    n,
		Elapsed:    time.Since(start),
	}

	if skipped, ok := reader.(interface{ Skipped() int }); ok && skipped.Skipped() > 0 {
		logger.Warn("malformed rows skipped", slog.Int("rows", skipped.Skipped()))
	}
	logger.Info("detection finished",
		slog.Int("objects", n),
		slog.Int("outliers", len(res.Outliers)),
		slog.Duration("elapsed", res.Elapsed))

	return out.Write(res)
}

func (a *app) openReader(ctx context.Context) (streamio.Reader, error) {
	in := a.cfg.Input

	switch in.Format {
	case config.FormatCSV:
		if in.File == "" {
			return nil, errors.New("--datafile is required for csv input")
		}
		return csv.NewReader(in.File,
			csv.WithHeader(in.Header),
			csv.WithClassColumn(in.ClassColumn),
			csv.WithLogger(a.logger))
	case config.FormatPcap:
		if in.File == "" {
			return nil, errors.New("--datafile is required for pcap input")
		}
		return pcap.NewFileReader(in.File)
	case config.FormatMQTT:
		client, err := mqtt.Connect(ctx, in.MQTT, a.logger)
		if err != nil {
			return nil, err
		}
		r, err := mqtt.NewReader(client, in.MQTT.Topic,
			mqtt.WithQoS(in.MQTT.QoS),
			mqtt.WithLogger(a.logger))
		if err != nil {
			client.Disconnect(250)
			return nil, err
		}
		return &mqttSource{Reader: r, disconnect: func() { client.Disconnect(250) }}, nil
	}
	return nil, fmt.Errorf("unknown input format %q", in.Format)
}

// mqttSource disconnects the client once the reader is closed.
type mqttSource struct {
	*mqtt.Reader
	disconnect func()
}

func (s *mqttSource) Close() error {
	err := s.Reader.Close()
	s.disconnect()
	return err
}

func source(cfg config.Config) string {
	if cfg.Input.Format == config.FormatMQTT {
		return cfg.Input.MQTT.URL + "/" + cfg.Input.MQTT.Topic
	}
	return cfg.Input.File
}
