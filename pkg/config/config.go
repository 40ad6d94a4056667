// Package config loads detection settings from YAML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/streamguard/pkg/detectors"
	"github.com/hed1ad/streamguard/pkg/detectors/mcod"
	"github.com/hed1ad/streamguard/pkg/index"
	"github.com/hed1ad/streamguard/pkg/index/lsh"
	"github.com/hed1ad/streamguard/pkg/index/mtree"
	"github.com/hed1ad/streamguard/pkg/io/mqtt"
)

// Index kinds.
const (
	IndexMTree = "mtree"
	IndexLSH   = "lsh"
)

// Input formats.
const (
	FormatCSV  = "csv"
	FormatPcap = "pcap"
	FormatMQTT = "mqtt"
)

// Config is the complete configuration of a detection run.
type Config struct {
	Detector detectors.Config `yaml:"detector"`
	Theta    float64          `yaml:"theta"`
	Index    Index            `yaml:"index"`
	Input    Input            `yaml:"input"`
	Output   Output           `yaml:"output"`
	LogLevel string           `yaml:"log_level"`
}

// Index selects and tunes the neighbor index.
type Index struct {
	Kind     string `yaml:"kind"`
	Capacity int    `yaml:"capacity"`
	Hashes   int    `yaml:"hashes"`
	Tables   int    `yaml:"tables"`
	// BucketWidth defaults to 1.5 times the radius when zero.
	BucketWidth float64 `yaml:"bucket_width"`
	Seed        int64   `yaml:"seed"`
}

// Input describes the stream source.
type Input struct {
	Format      string      `yaml:"format"`
	File        string      `yaml:"file"`
	Header      bool        `yaml:"header"`
	ClassColumn bool        `yaml:"class_column"`
	MQTT        mqtt.Broker `yaml:"mqtt"`
}

// Output describes where results go.
type Output struct {
	OutliersFile string `yaml:"outliers_file"`
	Database     string `yaml:"database"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Detector: detectors.DefaultConfig(),
		Theta:    mcod.DefaultTheta,
		Index: Index{
			Kind:     IndexMTree,
			Capacity: mtree.DefaultCapacity,
			Hashes:   lsh.DefaultHashes,
			Tables:   lsh.DefaultTables,
			Seed:     42,
		},
		Input: Input{
			Format: FormatCSV,
		},
		Output: Output{
			OutliersFile: "outliers.txt",
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if !(c.Theta >= 1) {
		return fmt.Errorf("%w: theta must be at least 1, got %v", detectors.ErrInvalidConfig, c.Theta)
	}

	switch c.Index.Kind {
	case IndexMTree:
		if c.Index.Capacity < 2 {
			return fmt.Errorf("%w: index.capacity must be at least 2", detectors.ErrInvalidConfig)
		}
	case IndexLSH:
		if c.Index.Hashes < 1 || c.Index.Tables < 1 || c.Index.BucketWidth < 0 {
			return fmt.Errorf("%w: index.hashes and index.tables must be positive, index.bucket_width non-negative",
				detectors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown index.kind %q", detectors.ErrInvalidConfig, c.Index.Kind)
	}

	switch c.Input.Format {
	case FormatCSV, FormatPcap:
	case FormatMQTT:
		if c.Input.MQTT.URL == "" || c.Input.MQTT.Topic == "" {
			return fmt.Errorf("%w: input.mqtt.url and input.mqtt.topic are required", detectors.ErrInvalidConfig)
		}
		if c.Input.MQTT.QoS > 2 {
			return fmt.Errorf("%w: input.mqtt.qos must be 0, 1 or 2", detectors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown input.format %q", detectors.ErrInvalidConfig, c.Input.Format)
	}

	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %v", detectors.ErrInvalidConfig, err)
	}
	return nil
}

// Level parses the log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// IndexFactory builds the neighbor-index factory selected by the index
// section.
func (c *Config) IndexFactory() mcod.IndexFactory {
	if c.Index.Kind == IndexLSH {
		width := c.Index.BucketWidth
		if width == 0 {
			width = 1.5 * c.Detector.Radius
		}
		opts := []lsh.Option{
			lsh.WithHashes(c.Index.Hashes),
			lsh.WithTables(c.Index.Tables),
			lsh.WithBucketWidth(width),
			lsh.WithSeed(c.Index.Seed),
		}
		return func(dims int) index.NeighborIndex {
			return lsh.New(dims, opts...)
		}
	}
	return mcod.MTreeFactory(mtree.WithCapacity(c.Index.Capacity))
}
