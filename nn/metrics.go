package nn

import "math"

// Metric is a running statistic over one pass of predictions. The network
// resets it at the start of each epoch and each scoring pass, feeds every
// batch through update, and logs result under name.
type Metric interface {
	reset()
	update(pred, target *tensor)
	result() float64
	name() string
}

// MeanAbsoluteErrorMetric tracks MAE next to the MSE loss. The loss is
// already squared error, so a second squared metric would only repeat it;
// absolute error stays in target units and is less dominated by the few
// high-ozone days.
type MeanAbsoluteErrorMetric struct {
	sum float64
	n   int
}

func MeanAbsoluteError() Metric {
	return &MeanAbsoluteErrorMetric{}
}

func (m *MeanAbsoluteErrorMetric) reset() { *m = MeanAbsoluteErrorMetric{} }

func (m *MeanAbsoluteErrorMetric) update(pred, target *tensor) {
	for i, p := range pred.data {
		m.sum += math.Abs(p - target.data[i])
	}
	m.n += len(pred.data)
}

// result is 0 before any update.
func (m *MeanAbsoluteErrorMetric) result() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func (m *MeanAbsoluteErrorMetric) name() string { return "mae" }
