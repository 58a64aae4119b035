package nn

import "fmt"

// Stage describes one step of a sequential topology. The set of stage kinds
// is closed: ConvStage, PoolStage, DropoutStage, BatchNormStage, FlattenStage
// and DenseStage. A slice of stages is consumed once by FromStages.
type Stage interface {
	Kind() string
	String() string
	layer() (Layer, error)
}

// ConvStage is a 2-D convolution followed by an activation.
type ConvStage struct {
	Filters     int
	Kernel      [2]int
	Padding     string // "same" or "valid"
	Activation  string
	Initializer string
}

func (s ConvStage) Kind() string { return "conv2d" }

func (s ConvStage) String() string {
	return fmt.Sprintf("conv2d(%d, %dx%d, %s, %s)", s.Filters, s.Kernel[0], s.Kernel[1], s.Padding, s.Activation)
}

func (s ConvStage) layer() (Layer, error) {
	act, err := activationByName(s.Activation)
	if err != nil {
		return nil, err
	}
	init, err := initializerByName(s.Initializer)
	if err != nil {
		return nil, err
	}
	return Conv2D(s.Filters, s.Kernel).
		WithPadding(s.Padding).
		WithActivation(act).
		WithInitializer(init).
		WithBiasInitializer(Zeros()).
		WithBias(true).
		Build(), nil
}

// PoolStage is non-overlapping max pooling (stride equals the window).
type PoolStage struct {
	Size [2]int
}

func (s PoolStage) Kind() string { return "max_pool2d" }

func (s PoolStage) String() string {
	return fmt.Sprintf("max_pool2d(%dx%d)", s.Size[0], s.Size[1])
}

func (s PoolStage) layer() (Layer, error) {
	if s.Size[0] <= 0 || s.Size[1] <= 0 {
		return nil, errorf("pool size must be positive, got %v", s.Size)
	}
	return MaxPool2D(s.Size).Build(), nil
}

// DropoutStage zeroes activations with probability Rate during training.
type DropoutStage struct {
	Rate float64
}

func (s DropoutStage) Kind() string   { return "dropout" }
func (s DropoutStage) String() string { return fmt.Sprintf("dropout(%g)", s.Rate) }

func (s DropoutStage) layer() (Layer, error) {
	return Dropout(s.Rate).Build(), nil
}

// BatchNormStage normalizes each channel.
type BatchNormStage struct {
	Epsilon  float64
	Momentum float64
}

func (s BatchNormStage) Kind() string { return "batch_norm" }

func (s BatchNormStage) String() string {
	return fmt.Sprintf("batch_norm(eps=%g, momentum=%g)", s.Epsilon, s.Momentum)
}

func (s BatchNormStage) layer() (Layer, error) {
	return BatchNorm(s.Epsilon, s.Momentum).Build(), nil
}

// FlattenStage collapses every per-sample axis into one.
type FlattenStage struct{}

func (s FlattenStage) Kind() string   { return "flatten" }
func (s FlattenStage) String() string { return "flatten" }

func (s FlattenStage) layer() (Layer, error) {
	return Flatten().Build(), nil
}

// DenseStage is a fully connected layer followed by an activation.
type DenseStage struct {
	Units       int
	Activation  string
	Initializer string
}

func (s DenseStage) Kind() string { return "dense" }

func (s DenseStage) String() string {
	return fmt.Sprintf("dense(%d, %s)", s.Units, s.Activation)
}

func (s DenseStage) layer() (Layer, error) {
	act, err := activationByName(s.Activation)
	if err != nil {
		return nil, err
	}
	init, err := initializerByName(s.Initializer)
	if err != nil {
		return nil, err
	}
	return Dense(s.Units).
		WithActivation(act).
		WithInitializer(init).
		WithBiasInitializer(Zeros()).
		WithBias(true).
		Build(), nil
}

// FromStages builds a network from an ordered list of stage descriptors.
func FromStages(config NetworkConfig, inputShape []int, stages []Stage) (*Network, error) {
	b := NewNetwork(config)
	for i, s := range stages {
		l, err := s.layer()
		if err != nil {
			return nil, errorf("stage %d (%s): %v", i, s.Kind(), err)
		}
		b.AddLayer(l)
	}
	n, err := b.Build(inputShape)
	if err != nil {
		return nil, err
	}
	n.stages = append([]Stage(nil), stages...)
	return n, nil
}
