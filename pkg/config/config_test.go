package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/streamguard/pkg/detectors"
	"github.com/hed1ad/streamguard/pkg/index/lsh"
	"github.com/hed1ad/streamguard/pkg/index/mtree"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name:    "empty file yields defaults",
			content: "",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default(), *cfg)
			},
		},
		{
			name: "partial override keeps defaults",
			content: `
detector:
  window: 500
  k: 8
index:
  kind: lsh
  bucket_width: 0.75
log_level: debug
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 500, cfg.Detector.WindowSize)
				assert.Equal(t, 8, cfg.Detector.K)
				assert.Equal(t, detectors.DefaultConfig().SlideSize, cfg.Detector.SlideSize)
				assert.Equal(t, IndexLSH, cfg.Index.Kind)
				assert.Equal(t, 0.75, cfg.Index.BucketWidth)
				assert.Equal(t, lsh.DefaultTables, cfg.Index.Tables)

				level, err := cfg.Level()
				require.NoError(t, err)
				assert.Equal(t, slog.LevelDebug, level)
			},
		},
		{
			name: "mqtt input",
			content: `
input:
  format: mqtt
  mqtt:
    url: tcp://broker:1883
    topic: flows/features
    qos: 1
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "flows/features", cfg.Input.MQTT.Topic)
				assert.Equal(t, byte(1), cfg.Input.MQTT.QoS)
			},
		},
		{
			name:    "unknown key",
			content: "detector:\n  windw: 10\n",
			wantErr: "parsing config YAML",
		},
		{
			name:    "slide larger than window",
			content: "detector:\n  window: 10\n  slide: 20\n",
			wantErr: "slide",
		},
		{
			name:    "unknown index",
			content: "index:\n  kind: kdtree\n",
			wantErr: `unknown index.kind "kdtree"`,
		},
		{
			name:    "mqtt without topic",
			content: "input:\n  format: mqtt\n  mqtt:\n    url: tcp://broker:1883\n",
			wantErr: "input.mqtt.topic",
		},
		{
			name:    "theta below one",
			content: "theta: 0.5\n",
			wantErr: "theta",
		},
		{
			name:    "bad log level",
			content: "log_level: chatty\n",
			wantErr: "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Detector.Radius = 2.5
	cfg.Output.Database = "runs.db"

	require.NoError(t, Save(path, &cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}

func TestIndexFactory(t *testing.T) {
	cfg := Default()
	_, ok := cfg.IndexFactory()(2).(*mtree.Tree)
	assert.True(t, ok)

	cfg.Index.Kind = IndexLSH
	idx := cfg.IndexFactory()(2)
	_, ok = idx.(*lsh.Index)
	assert.True(t, ok)

	idx.Insert(1, []float64{0, 0})
	assert.Len(t, idx.RangeQuery([]float64{0, 0}, 0.1), 1)
}
