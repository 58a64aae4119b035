// Package config loads experiment settings: built-in defaults, then an
// optional YAML file, then OPG_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of one experiment.
type Config struct {
	Data        DataConfig        `yaml:"data"`
	Region      Region            `yaml:"region"`
	Channels    []Channel         `yaml:"channels"`
	Standardize StandardizeConfig `yaml:"standardize"`
	Split       SplitConfig       `yaml:"split"`
	Training    TrainingConfig    `yaml:"training"`
	Output      OutputConfig      `yaml:"output"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DataConfig locates the raw inputs.
type DataConfig struct {
	Dir         string `yaml:"dir"`          // channel paths are relative to Dir
	TargetsPath string `yaml:"targets_path"` // wide OPG CSV
}

// Region names the grid coordinates and the lat/lon box cut out of every
// field. Bounds are inclusive.
type Region struct {
	TimeVar string  `yaml:"time_var"`
	LatVar  string  `yaml:"lat_var"`
	LonVar  string  `yaml:"lon_var"`
	LatMin  float64 `yaml:"lat_min"`
	LatMax  float64 `yaml:"lat_max"`
	LonMin  float64 `yaml:"lon_min"`
	LonMax  float64 `yaml:"lon_max"`
}

// Channel is one input variable. Values are converted as value*Scale + Offset.
type Channel struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Variable string   `yaml:"variable"`
	Scale    float64  `yaml:"scale"`
	Offset   float64  `yaml:"offset"`
	LevelVar string   `yaml:"level_var,omitempty"`
	Level    *float64 `yaml:"level,omitempty"` // select one pressure level of a 4-D variable
}

// StandardizeConfig picks the zero-variance policy: "unit_std" or "strict".
type StandardizeConfig struct {
	ZeroVariance string `yaml:"zero_variance"`
}

// SplitConfig partitions samples. Counts win over fractions when all three
// are set.
type SplitConfig struct {
	Seed      int64   `yaml:"seed"`
	TrainFrac float64 `yaml:"train_frac"`
	TestFrac  float64 `yaml:"test_frac"`
	Train     int     `yaml:"train"`
	Test      int     `yaml:"test"`
	Val       int     `yaml:"val"`
}

// HasCounts reports whether explicit counts were configured.
func (s SplitConfig) HasCounts() bool { return s.Train > 0 || s.Test > 0 || s.Val > 0 }

// TrainingConfig holds model and optimizer hyperparameters.
type TrainingConfig struct {
	Seed         int64   `yaml:"seed"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	Shuffle      bool    `yaml:"shuffle"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Patience     int     `yaml:"patience"`
	RestoreBest  bool    `yaml:"restore_best"`
	Workers      int     `yaml:"workers"`
	CheckFinite  bool    `yaml:"check_finite"`
	L2           float64 `yaml:"l2"`
	ClipNorm     float64 `yaml:"clip_norm"`
	ClipValue    float64 `yaml:"clip_value"` // element-wise cap; exclusive with clip_norm
}

// OutputConfig says where artifacts go.
type OutputConfig struct {
	Dir       string `yaml:"dir"`
	RunsDB    string `yaml:"runs_db"`
	ModelFile string `yaml:"model_file"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

func level(v float64) *float64 { return &v }

// DefaultChannels are the six reanalysis fields in stacking order.
func DefaultChannels() []Channel {
	return []Channel{
		{Name: "ivt", Path: "ivt.nc", Variable: "ivt", Scale: 1},
		{Name: "precip", Path: "tp.nc", Variable: "tp", Scale: 1000},
		{Name: "t700", Path: "t700.nc", Variable: "t", Scale: 1, Offset: -273.15, LevelVar: "level", Level: level(700)},
		{Name: "u700", Path: "u700.nc", Variable: "u", Scale: 1, LevelVar: "level", Level: level(700)},
		{Name: "v700", Path: "v700.nc", Variable: "v", Scale: 1, LevelVar: "level", Level: level(700)},
		{Name: "z500", Path: "z500.nc", Variable: "z", Scale: 1 / 9.81, LevelVar: "level", Level: level(500)},
	}
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Dir:         "data",
			TargetsPath: "data/opg.csv",
		},
		Region: Region{
			TimeVar: "time",
			LatVar:  "latitude",
			LonVar:  "longitude",
			LatMin:  38.0,
			LatMax:  42.5,
			LonMin:  -115.0,
			LonMax:  -108.5,
		},
		Channels:    DefaultChannels(),
		Standardize: StandardizeConfig{ZeroVariance: "unit_std"},
		Split: SplitConfig{
			Seed:      42,
			TrainFrac: 0.7,
			TestFrac:  0.15,
		},
		Training: TrainingConfig{
			Seed:         42,
			Epochs:       100,
			BatchSize:    32,
			Shuffle:      true,
			Optimizer:    "adam",
			LearningRate: 1e-3,
			Patience:     5,
			RestoreBest:  true,
			Workers:      4,
		},
		Output: OutputConfig{
			Dir:       "runs",
			RunsDB:    "runs/runs.db",
			ModelFile: "model.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
// A missing file is an error only when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ChannelPath resolves a channel file against the data directory.
func (c *Config) ChannelPath(ch Channel) string {
	if filepath.IsAbs(ch.Path) || c.Data.Dir == "" {
		return ch.Path
	}
	return filepath.Join(c.Data.Dir, ch.Path)
}

// ChannelNames lists channels in stacking order.
func (c *Config) ChannelNames() []string {
	names := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		names[i] = ch.Name
	}
	return names
}

func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("OPG_DATA_DIR", &c.Data.Dir)
	str("OPG_TARGETS", &c.Data.TargetsPath)
	str("OPG_OUTPUT_DIR", &c.Output.Dir)
	str("OPG_RUNS_DB", &c.Output.RunsDB)
	str("OPG_LOG_LEVEL", &c.Logging.Level)
	str("OPG_LOG_FORMAT", &c.Logging.Format)
	str("OPG_OPTIMIZER", &c.Training.Optimizer)

	ints := []struct {
		key string
		dst *int
	}{
		{"OPG_EPOCHS", &c.Training.Epochs},
		{"OPG_BATCH_SIZE", &c.Training.BatchSize},
		{"OPG_PATIENCE", &c.Training.Patience},
		{"OPG_WORKERS", &c.Training.Workers},
	}
	for _, o := range ints {
		if v := os.Getenv(o.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", o.key, err)
			}
			*o.dst = n
		}
	}

	if v := os.Getenv("OPG_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid OPG_SEED: %w", err)
		}
		c.Split.Seed = n
		c.Training.Seed = n
	}
	if v := os.Getenv("OPG_LEARNING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid OPG_LEARNING_RATE: %w", err)
		}
		c.Training.LearningRate = f
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" || ch.Variable == "" || ch.Path == "" {
			return fmt.Errorf("channel %d: name, path and variable are required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channel %q listed twice", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Scale == 0 {
			return fmt.Errorf("channel %q: scale must be non-zero", ch.Name)
		}
		if ch.Level != nil && ch.LevelVar == "" {
			return fmt.Errorf("channel %q: level_var is required with level", ch.Name)
		}
	}
	if c.Region.TimeVar == "" || c.Region.LatVar == "" || c.Region.LonVar == "" {
		return errors.New("region: time_var, lat_var and lon_var are required")
	}
	if c.Region.LatMin > c.Region.LatMax || c.Region.LonMin > c.Region.LonMax {
		return errors.New("region: min bounds must not exceed max bounds")
	}
	switch c.Standardize.ZeroVariance {
	case "unit_std", "strict":
	default:
		return fmt.Errorf("standardize.zero_variance must be unit_std or strict, got %q", c.Standardize.ZeroVariance)
	}
	if c.Split.HasCounts() {
		if c.Split.Train < 0 || c.Split.Test < 0 || c.Split.Val < 0 {
			return errors.New("split counts must not be negative")
		}
	} else if c.Split.TrainFrac <= 0 || c.Split.TestFrac < 0 || c.Split.TrainFrac+c.Split.TestFrac > 1 {
		return fmt.Errorf("split fractions invalid: train=%g test=%g", c.Split.TrainFrac, c.Split.TestFrac)
	}
	if c.Training.Epochs <= 0 {
		return errors.New("training.epochs must be > 0")
	}
	if c.Training.BatchSize <= 0 {
		return errors.New("training.batch_size must be > 0")
	}
	if c.Training.Patience <= 0 {
		return errors.New("training.patience must be > 0")
	}
	if c.Training.L2 < 0 || c.Training.ClipNorm < 0 || c.Training.ClipValue < 0 {
		return errors.New("training.l2, training.clip_norm and training.clip_value must not be negative")
	}
	if c.Training.ClipNorm > 0 && c.Training.ClipValue > 0 {
		return errors.New("training.clip_norm and training.clip_value are mutually exclusive")
	}
	if c.Training.LearningRate <= 0 {
		return errors.New("training.learning_rate must be > 0")
	}
	switch c.Training.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("training.optimizer must be adam or sgd, got %q", c.Training.Optimizer)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
