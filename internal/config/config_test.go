package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"ivt", "precip", "t700", "u700", "v700", "z500"}, cfg.ChannelNames())
	assert.Equal(t, int64(42), cfg.Split.Seed)
	assert.Equal(t, 0.7, cfg.Split.TrainFrac)
	assert.Equal(t, 5, cfg.Training.Patience)
	assert.Equal(t, "unit_std", cfg.Standardize.ZeroVariance)
	assert.True(t, cfg.Training.RestoreBest)
}

func TestDefaultChannels_UnitConversions(t *testing.T) {
	byName := map[string]Channel{}
	for _, ch := range DefaultChannels() {
		byName[ch.Name] = ch
	}
	assert.Equal(t, 1000.0, byName["precip"].Scale)
	assert.Equal(t, -273.15, byName["t700"].Offset)
	assert.InDelta(t, 1/9.81, byName["z500"].Scale, 1e-15)
	assert.Equal(t, 1.0, byName["ivt"].Scale)
	require.NotNil(t, byName["z500"].Level)
	assert.Equal(t, 500.0, *byName["z500"].Level)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
split:
  seed: 7
  train: 10
  test: 3
  val: 2
training:
  epochs: 3
  batch_size: 4
logging:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Split.Seed)
	assert.True(t, cfg.Split.HasCounts())
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, "json", cfg.Logging.Format)
	// Untouched sections keep their defaults.
	assert.Equal(t, 6, len(cfg.Channels))
	assert.Equal(t, "adam", cfg.Training.Optimizer)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPG_EPOCHS", "12")
	t.Setenv("OPG_SEED", "99")
	t.Setenv("OPG_LEARNING_RATE", "0.01")
	t.Setenv("OPG_DATA_DIR", "/srv/era5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Training.Epochs)
	assert.Equal(t, int64(99), cfg.Split.Seed)
	assert.Equal(t, int64(99), cfg.Training.Seed)
	assert.Equal(t, 0.01, cfg.Training.LearningRate)
	assert.Equal(t, "/srv/era5/tp.nc", cfg.ChannelPath(cfg.Channels[1]))
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("OPG_BATCH_SIZE", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "OPG_BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no channels", func(c *Config) { c.Channels = nil }, "at least one channel"},
		{"duplicate channel", func(c *Config) { c.Channels[1].Name = "ivt" }, "listed twice"},
		{"zero scale", func(c *Config) { c.Channels[0].Scale = 0 }, "scale"},
		{"bad policy", func(c *Config) { c.Standardize.ZeroVariance = "ignore" }, "zero_variance"},
		{"bad fractions", func(c *Config) { c.Split.TrainFrac = 0.9; c.Split.TestFrac = 0.2 }, "fractions"},
		{"negative count", func(c *Config) { c.Split.Train = 5; c.Split.Test = -1 }, "negative"},
		{"bad optimizer", func(c *Config) { c.Training.Optimizer = "rmsprop" }, "optimizer"},
		{"negative l2", func(c *Config) { c.Training.L2 = -1 }, "l2"},
		{"two clip modes", func(c *Config) { c.Training.ClipNorm = 1; c.Training.ClipValue = 1 }, "mutually exclusive"},
		{"zero patience", func(c *Config) { c.Training.Patience = 0 }, "patience"},
		{"inverted region", func(c *Config) { c.Region.LatMin = 50 }, "region"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "opg.yaml")
	cfg := Default()
	cfg.Training.Epochs = 17
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
