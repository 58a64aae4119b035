package nn

import (
	"errors"
	"math"
	"math/rand"
)

// BatchNormLayer - batch normalization over the last (channel) axis.
// Every leading position (batch, row, column) is one observation of each
// channel, so the layer works on both flat and spatial inputs.
type BatchNormLayer struct {
	epsilon     float64
	momentum    float64
	gamma       *tensor
	beta        *tensor
	runningMean *tensor
	runningVar  *tensor
	gradGamma   *tensor
	gradBeta    *tensor
	input       *tensor
	normalized  *tensor
	invStd      []float64
	inputShape  []int
	features    int
	training    bool
	built       bool
}

type BatchNormBuilder struct {
	layer *BatchNormLayer
}

// BatchNorm creates a batch normalization layer. Running statistics follow
// running = momentum*running + (1-momentum)*batch.
func BatchNorm(epsilon, momentum float64) *BatchNormBuilder {
	return &BatchNormBuilder{
		layer: &BatchNormLayer{
			epsilon:  epsilon,
			momentum: momentum,
		},
	}
}

func (b *BatchNormBuilder) Build() Layer {
	return b.layer
}

func (bn *BatchNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errors.New("nn: BatchNorm requires non-empty input shape")
	}
	if bn.epsilon <= 0 {
		return errorf("batch_norm epsilon must be > 0, got %g", bn.epsilon)
	}
	if bn.momentum < 0 || bn.momentum >= 1 {
		return errorf("batch_norm momentum must be in [0, 1), got %g", bn.momentum)
	}
	bn.inputShape = inputShape
	bn.features = inputShape[len(inputShape)-1]

	bn.gamma = newTensor(bn.features)
	bn.gamma.fill(1.0)
	bn.beta = newTensor(bn.features)
	bn.beta.fill(0.0)

	bn.runningMean = newTensor(bn.features)
	bn.runningVar = newTensor(bn.features)
	bn.runningVar.fill(1.0)

	bn.gradGamma = newTensor(bn.features)
	bn.gradBeta = newTensor(bn.features)

	bn.built = true
	return nil
}

func (bn *BatchNormLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !bn.built {
		return nil, ErrNotReady
	}
	if err := checkInput(input, bn.inputShape); err != nil {
		return nil, err
	}

	features := bn.features
	rows := input.size() / features

	bn.input = input
	bn.training = training
	bn.normalized = newTensor(input.shape...)
	mean := make([]float64, features)
	variance := make([]float64, features)

	if training {
		// Compute batch mean
		for i := 0; i < rows; i++ {
			for j := 0; j < features; j++ {
				mean[j] += input.data[i*features+j]
			}
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}

		// Compute batch variance
		for i := 0; i < rows; i++ {
			for j := 0; j < features; j++ {
				diff := input.data[i*features+j] - mean[j]
				variance[j] += diff * diff
			}
		}
		for j := range variance {
			variance[j] /= float64(rows)
		}

		// Update running stats
		for j := 0; j < features; j++ {
			bn.runningMean.data[j] = bn.momentum*bn.runningMean.data[j] + (1-bn.momentum)*mean[j]
			bn.runningVar.data[j] = bn.momentum*bn.runningVar.data[j] + (1-bn.momentum)*variance[j]
		}
	} else {
		copy(mean, bn.runningMean.data)
		copy(variance, bn.runningVar.data)
	}

	bn.invStd = make([]float64, features)
	for j := range variance {
		bn.invStd[j] = 1 / math.Sqrt(variance[j]+bn.epsilon)
	}

	// Normalize and scale
	output := newTensor(input.shape...)
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			xNorm := (input.data[idx] - mean[j]) * bn.invStd[j]
			bn.normalized.data[idx] = xNorm
			output.data[idx] = bn.gamma.data[j]*xNorm + bn.beta.data[j]
		}
	}

	return output, nil
}

func (bn *BatchNormLayer) backward(gradOutput *tensor) (*tensor, error) {
	if bn.input == nil {
		return nil, errors.New("nn: backward called before forward")
	}
	features := bn.features
	rows := bn.input.size() / features
	n := float64(rows)

	bn.gradGamma.zero()
	bn.gradBeta.zero()

	// Gradients w.r.t. gamma and beta
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			bn.gradGamma.data[j] += gradOutput.data[idx] * bn.normalized.data[idx]
			bn.gradBeta.data[j] += gradOutput.data[idx]
		}
	}
	// Average over batch, matching dense and conv weight gradients
	batchScale := 1.0 / float64(bn.input.shape[0])
	mulScalar(bn.gradGamma, batchScale)
	mulScalar(bn.gradBeta, batchScale)

	gradInput := newTensor(bn.input.shape...)

	// Running statistics are constants with respect to the input.
	if !bn.training {
		for i := 0; i < rows; i++ {
			for j := 0; j < features; j++ {
				idx := i*features + j
				gradInput.data[idx] = gradOutput.data[idx] * bn.gamma.data[j] * bn.invStd[j]
			}
		}
		return gradInput, nil
	}

	// dx = invStd/N * (N*dxhat - sum(dxhat) - xhat*sum(dxhat*xhat))
	sumD := make([]float64, features)
	sumDX := make([]float64, features)
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			dxhat := gradOutput.data[idx] * bn.gamma.data[j]
			sumD[j] += dxhat
			sumDX[j] += dxhat * bn.normalized.data[idx]
		}
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			dxhat := gradOutput.data[idx] * bn.gamma.data[j]
			gradInput.data[idx] = bn.invStd[j] / n * (n*dxhat - sumD[j] - bn.normalized.data[idx]*sumDX[j])
		}
	}

	return gradInput, nil
}

func (bn *BatchNormLayer) parameters() []*tensor {
	return []*tensor{bn.gamma, bn.beta}
}

func (bn *BatchNormLayer) gradients() []*tensor {
	return []*tensor{bn.gradGamma, bn.gradBeta}
}

func (bn *BatchNormLayer) buffers() []*tensor {
	return []*tensor{bn.runningMean, bn.runningVar}
}

func (bn *BatchNormLayer) outputShape() []int { return bn.inputShape }
func (bn *BatchNormLayer) name() string       { return "batch_norm" }
