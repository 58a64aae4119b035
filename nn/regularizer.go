package nn

// Regularizer adds a weight penalty to the batch loss. It is applied to
// every trainable tensor, biases and normalization scales included.
type Regularizer interface {
	loss(weights *tensor) float64
	gradient(weights *tensor, grad *tensor)
	name() string
}

// L2Regularizer is weight decay: lambda/2 * sum(w^2), so the gradient it
// adds is lambda * w.
type L2Regularizer struct {
	Lambda float64
}

func L2(lambda float64) Regularizer {
	return &L2Regularizer{Lambda: lambda}
}

func (l *L2Regularizer) loss(weights *tensor) float64 {
	var ss float64
	for _, w := range weights.data {
		ss += w * w
	}
	return l.Lambda * ss / 2
}

// gradient accumulates into grad; it must run after backward has filled it.
func (l *L2Regularizer) gradient(weights *tensor, grad *tensor) {
	for i, w := range weights.data {
		grad.data[i] += l.Lambda * w
	}
}

func (l *L2Regularizer) name() string { return "l2" }

// NoRegularizer is the default when training.l2 is zero.
type NoRegularizer struct{}

func NoReg() Regularizer { return NoRegularizer{} }

func (NoRegularizer) loss(*tensor) float64      { return 0 }
func (NoRegularizer) gradient(*tensor, *tensor) {}
func (NoRegularizer) name() string              { return "none" }
