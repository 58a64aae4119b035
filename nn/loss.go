package nn

// Loss is the training objective. compute reports the scalar logged as
// "loss"; gradient writes dLoss/dPred into gradOut, which has pred's shape.
type Loss interface {
	compute(pred, target *tensor) float64
	gradient(pred, target *tensor, gradOut *tensor)
	name() string
}

// MSEConfig selects how squared errors are reduced. "mean" averages over
// every output cell; anything else sums them.
type MSEConfig struct {
	Reduction string
}

// MSELoss is squared error between prediction and target. It is the only
// objective the model trains against.
type MSELoss struct {
	Reduction string
}

func MSE(config MSEConfig) Loss {
	return &MSELoss{Reduction: config.Reduction}
}

func (m *MSELoss) mean() bool { return m.Reduction == "mean" }

func (m *MSELoss) compute(pred, target *tensor) float64 {
	var sse float64
	for i, p := range pred.data {
		d := p - target.data[i]
		sse += d * d
	}
	if !m.mean() {
		return sse
	}
	return sse / float64(len(pred.data))
}

// The mean gradient divides by the per-sample width only. Layers already
// average their weight gradients over the batch, so dividing by the batch
// here as well would shrink updates by batch size.
func (m *MSELoss) gradient(pred, target *tensor, gradOut *tensor) {
	scale := 2.0
	if m.mean() {
		scale /= float64(len(pred.data) / pred.shape[0])
	}
	for i, p := range pred.data {
		gradOut.data[i] = scale * (p - target.data[i])
	}
}

func (m *MSELoss) name() string { return "mse" }
