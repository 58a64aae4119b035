package nn

import (
	"errors"
	"math/rand"
)

// Layer is the base interface for all layers
type Layer interface {
	forward(input *tensor, training bool) (*tensor, error)
	backward(gradOutput *tensor) (*tensor, error)
	parameters() []*tensor
	gradients() []*tensor
	buffers() []*tensor // non-trainable state saved with the weights
	build(inputShape []int, rng *rand.Rand) error
	outputShape() []int
	name() string
}

// DenseLayer - fully connected layer
type DenseLayer struct {
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor
	bias        *tensor
	input       *tensor
	preAct      *tensor
	output      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return errorf("dense requires a flat input shape, got %v - add a flatten stage first", inputShape)
	}
	if d.units <= 0 {
		return errorf("dense units must be > 0, got %d", d.units)
	}
	if d.initializer == nil {
		return errors.New("nn: DenseLayer requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errors.New("nn: DenseLayer requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errors.New("nn: DenseLayer with bias requires bias initializer - use WithBiasInitializer()")
	}

	fanIn := inputShape[0]
	d.inputShape = inputShape

	d.weights = newTensor(fanIn, d.units)
	d.initializer.initialize(d.weights, fanIn, d.units, rng)

	d.gradW = newTensor(fanIn, d.units)

	if d.useBias {
		d.bias = newTensor(d.units)
		d.biasInit.initialize(d.bias, fanIn, d.units, rng)
		d.gradB = newTensor(d.units)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !d.built {
		return nil, ErrNotReady
	}
	if err := checkInput(input, d.inputShape); err != nil {
		return nil, err
	}
	batchSize := input.shape[0]

	d.input = input
	d.preAct = newTensor(batchSize, d.units)
	d.output = newTensor(batchSize, d.units)

	// Y = X @ W
	matmul(input, d.weights, d.preAct)

	// Y = Y + b
	if d.useBias {
		addVec(d.preAct, d.bias)
	}

	// Y = activation(Y)
	d.activation.forward(d.preAct, d.output)

	return d.output, nil
}

func (d *DenseLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.input == nil {
		return nil, errors.New("nn: backward called before forward")
	}

	batchSize := d.input.shape[0]

	// Gradient through activation
	gradPreAct := newTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)

	// Gradient w.r.t. weights: dL/dW = X^T @ dL/dY
	d.gradW.zero()
	matmulTransA(d.input, gradPreAct, d.gradW)
	// Average over batch
	mulScalar(d.gradW, 1.0/float64(batchSize))

	// Gradient w.r.t. bias: dL/db = sum(dL/dY, axis=0)
	if d.useBias {
		d.gradB.zero()
		sumAxis0(gradPreAct, d.gradB)
		mulScalar(d.gradB, 1.0/float64(batchSize))
	}

	// Gradient w.r.t. input: dL/dX = dL/dY @ W^T
	gradInput := newTensor(d.input.shape...)
	matmulTransB(gradPreAct, d.weights, gradInput)

	return gradInput, nil
}

func (d *DenseLayer) parameters() []*tensor {
	if d.useBias {
		return []*tensor{d.weights, d.bias}
	}
	return []*tensor{d.weights}
}

func (d *DenseLayer) gradients() []*tensor {
	if d.useBias {
		return []*tensor{d.gradW, d.gradB}
	}
	return []*tensor{d.gradW}
}

func (d *DenseLayer) buffers() []*tensor { return nil }

func (d *DenseLayer) outputShape() []int {
	return []int{d.units}
}

func (d *DenseLayer) name() string { return "dense" }

// DropoutLayer - randomly zeros elements during training and scales the
// survivors by 1/(1-rate); identity at inference.
type DropoutLayer struct {
	rate       float64
	mask       *tensor
	rng        *rand.Rand
	inputShape []int
	built      bool
}

type DropoutBuilder struct {
	layer *DropoutLayer
}

func Dropout(rate float64) *DropoutBuilder {
	return &DropoutBuilder{
		layer: &DropoutLayer{
			rate: rate,
		},
	}
}

func (b *DropoutBuilder) Build() Layer {
	return b.layer
}

func (d *DropoutLayer) build(inputShape []int, rng *rand.Rand) error {
	if d.rate < 0 || d.rate >= 1 {
		return errors.New("nn: dropout rate must be in [0, 1)")
	}
	d.inputShape = inputShape
	d.rng = rng
	d.built = true
	return nil
}

func (d *DropoutLayer) forward(input *tensor, training bool) (*tensor, error) {
	if err := checkInput(input, d.inputShape); err != nil {
		return nil, err
	}
	if !training {
		d.mask = nil
		return input.clone(), nil
	}

	output := newTensor(input.shape...)
	d.mask = newTensor(input.shape...)

	scale := 1.0 / (1.0 - d.rate)
	for i := range input.data {
		if d.rng.Float64() >= d.rate {
			d.mask.data[i] = scale
			output.data[i] = input.data[i] * scale
		} else {
			d.mask.data[i] = 0
			output.data[i] = 0
		}
	}
	return output, nil
}

func (d *DropoutLayer) backward(gradOutput *tensor) (*tensor, error) {
	gradInput := newTensor(gradOutput.shape...)
	if d.mask == nil {
		copy(gradInput.data, gradOutput.data)
		return gradInput, nil
	}
	elemMul(gradOutput, d.mask, gradInput)
	return gradInput, nil
}

func (d *DropoutLayer) parameters() []*tensor { return nil }
func (d *DropoutLayer) gradients() []*tensor  { return nil }
func (d *DropoutLayer) buffers() []*tensor    { return nil }
func (d *DropoutLayer) outputShape() []int    { return d.inputShape }
func (d *DropoutLayer) name() string          { return "dropout" }

// FlattenLayer - flattens input to 1D (per sample), preserving row-major order
type FlattenLayer struct {
	inputShape []int
	built      bool
}

type FlattenBuilder struct {
	layer *FlattenLayer
}

func Flatten() *FlattenBuilder {
	return &FlattenBuilder{
		layer: &FlattenLayer{},
	}
}

func (b *FlattenBuilder) Build() Layer {
	return b.layer
}

func (f *FlattenLayer) build(inputShape []int, rng *rand.Rand) error {
	f.inputShape = inputShape
	f.built = true
	return nil
}

func (f *FlattenLayer) forward(input *tensor, training bool) (*tensor, error) {
	if err := checkInput(input, f.inputShape); err != nil {
		return nil, err
	}
	batchSize := input.shape[0]
	output := newTensor(batchSize, shapeProduct(f.inputShape))
	copy(output.data, input.data)
	return output, nil
}

func (f *FlattenLayer) backward(gradOutput *tensor) (*tensor, error) {
	shape := append([]int{gradOutput.shape[0]}, f.inputShape...)
	gradInput := newTensor(shape...)
	copy(gradInput.data, gradOutput.data)
	return gradInput, nil
}

func (f *FlattenLayer) parameters() []*tensor { return nil }
func (f *FlattenLayer) gradients() []*tensor  { return nil }
func (f *FlattenLayer) buffers() []*tensor    { return nil }

func (f *FlattenLayer) outputShape() []int {
	return []int{shapeProduct(f.inputShape)}
}

func (f *FlattenLayer) name() string { return "flatten" }
