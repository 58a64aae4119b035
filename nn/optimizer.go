package nn

import "math"

// Optimizer updates network parameters in place from their gradients.
// State is allocated lazily on the first step, so one optimizer serves
// exactly one network.
type Optimizer interface {
	step(params []*tensor, grads []*tensor)
	name() string
}

// slots holds one per-parameter buffer shaped like each parameter.
type slots []*tensor

func newSlots(params []*tensor) slots {
	s := make(slots, len(params))
	for i, p := range params {
		s[i] = newTensor(p.shape...)
	}
	return s
}

// SGDOptimizer is plain or momentum gradient descent.
type SGDOptimizer struct {
	LR       float64
	Momentum float64

	velocity slots
}

type SGDConfig struct {
	LR       float64
	Momentum float64 // 0 disables the velocity buffer
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{LR: config.LR, Momentum: config.Momentum}
}

func (s *SGDOptimizer) step(params []*tensor, grads []*tensor) {
	if s.Momentum == 0 {
		for i, p := range params {
			for j, g := range grads[i].data {
				p.data[j] -= s.LR * g
			}
		}
		return
	}
	if s.velocity == nil {
		s.velocity = newSlots(params)
	}
	for i, p := range params {
		v := s.velocity[i].data
		for j, g := range grads[i].data {
			v[j] = s.Momentum*v[j] - s.LR*g
			p.data[j] += v[j]
		}
	}
}

func (s *SGDOptimizer) name() string { return "sgd" }

// AdamOptimizer is Adam with bias-corrected first and second moments.
// Zero-valued config fields take the usual defaults (0.9, 0.999, 1e-7).
type AdamOptimizer struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	m, v slots
	t    int
}

type AdamConfig struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

func Adam(config AdamConfig) Optimizer {
	a := &AdamOptimizer{
		LR:      config.LR,
		Beta1:   config.Beta1,
		Beta2:   config.Beta2,
		Epsilon: config.Epsilon,
	}
	if a.Beta1 == 0 {
		a.Beta1 = 0.9
	}
	if a.Beta2 == 0 {
		a.Beta2 = 0.999
	}
	if a.Epsilon == 0 {
		a.Epsilon = 1e-7
	}
	return a
}

func (a *AdamOptimizer) step(params []*tensor, grads []*tensor) {
	if a.m == nil {
		a.m, a.v = newSlots(params), newSlots(params)
	}
	a.t++
	// Fold both bias corrections into the step size.
	lr := a.LR * math.Sqrt(1-math.Pow(a.Beta2, float64(a.t))) / (1 - math.Pow(a.Beta1, float64(a.t)))
	eps := a.Epsilon * math.Sqrt(1-math.Pow(a.Beta2, float64(a.t)))

	for i, p := range params {
		m, v := a.m[i].data, a.v[i].data
		for j, g := range grads[i].data {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.data[j] -= lr * m[j] / (math.Sqrt(v[j]) + eps)
		}
	}
}

func (a *AdamOptimizer) name() string { return "adam" }
