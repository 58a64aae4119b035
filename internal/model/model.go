// Package model defines the precipitation-gradient CNN: its stage list and the
// compile settings it is trained with.
package model

import (
	"fmt"

	"opgcnn/nn"
)

// Hyperparameters of the fixed topology.
const (
	DropoutRate       = 0.25
	BatchNormEpsilon  = 1e-3
	BatchNormMomentum = 0.99
	HiddenUnits       = 100
)

// InputShape is the per-sample grid: latitude, longitude, channel.
var InputShape = []int{19, 27, 6}

// Topology returns the ordered stages for a network predicting facets values.
func Topology(facets int) []nn.Stage {
	return []nn.Stage{
		nn.ConvStage{Filters: 16, Kernel: [2]int{3, 3}, Padding: "same", Activation: "relu"},
		nn.PoolStage{Size: [2]int{2, 2}},
		nn.DropoutStage{Rate: DropoutRate},
		nn.ConvStage{Filters: 32, Kernel: [2]int{3, 3}, Padding: "same", Activation: "relu"},
		nn.BatchNormStage{Epsilon: BatchNormEpsilon, Momentum: BatchNormMomentum},
		nn.PoolStage{Size: [2]int{2, 2}},
		nn.DropoutStage{Rate: DropoutRate},
		nn.FlattenStage{},
		nn.DenseStage{Units: HiddenUnits, Activation: "relu"},
		nn.DenseStage{Units: HiddenUnits, Activation: "relu"},
		nn.DropoutStage{Rate: DropoutRate},
		nn.DenseStage{Units: facets, Activation: "linear"},
	}
}

// Options control construction and compilation.
type Options struct {
	Seed         int64
	Workers      int
	CheckFinite  bool
	InputShape   []int // defaults to InputShape
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Optimizer    string  // "adam" or "sgd"
	L2           float64 // weight penalty; 0 disables
	ClipNorm     float64 // global gradient norm cap; 0 disables
	ClipValue    float64 // per-element gradient cap, used when ClipNorm is 0
}

// New builds and compiles the network for facets outputs.
func New(facets int, opts Options) (*nn.Network, error) {
	if facets <= 0 {
		return nil, fmt.Errorf("model: facets must be > 0, got %d", facets)
	}
	shape := opts.InputShape
	if len(shape) == 0 {
		shape = InputShape
	}
	net, err := nn.FromStages(nn.NetworkConfig{
		Seed:        opts.Seed,
		Workers:     opts.Workers,
		CheckFinite: opts.CheckFinite,
	}, shape, Topology(facets))
	if err != nil {
		return nil, fmt.Errorf("model: build: %w", err)
	}

	opt, err := optimizer(opts)
	if err != nil {
		return nil, err
	}
	reg := nn.NoReg()
	if opts.L2 > 0 {
		reg = nn.L2(opts.L2)
	}
	clip := nn.GradientClipConfig{Mode: "none"}
	switch {
	case opts.ClipNorm > 0:
		clip = nn.GradientClipConfig{Mode: "norm", MaxNorm: opts.ClipNorm}
	case opts.ClipValue > 0:
		clip = nn.GradientClipConfig{Mode: "value", MaxValue: opts.ClipValue}
	}
	if err := net.Compile(nn.CompileConfig{
		Optimizer:    opt,
		Loss:         nn.MSE(nn.MSEConfig{Reduction: "mean"}),
		Metrics:      []nn.Metric{nn.MeanAbsoluteError()},
		Regularizer:  reg,
		GradientClip: clip,
	}); err != nil {
		return nil, fmt.Errorf("model: compile: %w", err)
	}
	return net, nil
}

func optimizer(opts Options) (nn.Optimizer, error) {
	lr := opts.LearningRate
	if lr == 0 {
		lr = 1e-3
	}
	switch opts.Optimizer {
	case "", "adam":
		return nn.Adam(nn.AdamConfig{LR: lr, Beta1: opts.Beta1, Beta2: opts.Beta2, Epsilon: opts.Epsilon}), nil
	case "sgd":
		return nn.SGD(nn.SGDConfig{LR: lr}), nil
	default:
		return nil, fmt.Errorf("model: unknown optimizer %q", opts.Optimizer)
	}
}
