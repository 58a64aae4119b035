package nn

// TrainConfig holds all training configuration - ALL fields required
type TrainConfig struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
}

// CompileConfig holds model compilation settings - ALL fields required
type CompileConfig struct {
	Optimizer    Optimizer
	Loss         Loss
	Metrics      []Metric
	Regularizer  Regularizer
	GradientClip GradientClipConfig
}

// GradientClipConfig for gradient clipping
type GradientClipConfig struct {
	Mode     string // "norm", "value", or "none"
	MaxNorm  float64
	MaxValue float64
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed int64
	// Workers bounds the goroutines a convolution may use across the batch.
	// Values below 2 run serially; results are identical either way.
	Workers int
	// CheckFinite scans every stage output for NaN/Inf.
	CheckFinite bool
}

// ValidateTrainConfig checks all required fields are set
func ValidateTrainConfig(cfg TrainConfig) error {
	if cfg.Epochs <= 0 {
		return errorf("Epochs must be > 0, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return errorf("BatchSize must be > 0, got %d", cfg.BatchSize)
	}
	return nil
}

// ValidateCompileConfig checks all required fields are set
func ValidateCompileConfig(cfg CompileConfig) error {
	if cfg.Optimizer == nil {
		return errorf("Optimizer is required")
	}
	if cfg.Loss == nil {
		return errorf("Loss is required")
	}
	if cfg.Regularizer == nil {
		return errorf("Regularizer is required - use NoReg() if not needed")
	}
	switch cfg.GradientClip.Mode {
	case "none":
	case "norm":
		if cfg.GradientClip.MaxNorm <= 0 {
			return errorf("GradientClip.MaxNorm must be > 0 in norm mode")
		}
	case "value":
		if cfg.GradientClip.MaxValue <= 0 {
			return errorf("GradientClip.MaxValue must be > 0 in value mode")
		}
	case "":
		return errorf("GradientClip.Mode is required - use 'none' if not needed")
	default:
		return errorf("unknown GradientClip.Mode %q", cfg.GradientClip.Mode)
	}
	return nil
}
