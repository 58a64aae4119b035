package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for training runs.
type Metrics struct {
	EpochsTotal   prometheus.Counter
	BatchesTotal  prometheus.Counter
	Training      prometheus.Gauge
	TrainLoss     prometheus.Gauge
	ValLoss       prometheus.Gauge
	EpochDuration prometheus.Histogram

	Samples *prometheus.GaugeVec   // labels: split={train,test,val}
	Runs    *prometheus.CounterVec // labels: outcome={completed,stopped,cancelled,failed}
}

// NewMetrics creates and registers all training metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		EpochsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opgcnn",
			Name:      "epochs_total",
			Help:      "Total training epochs completed.",
		}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opgcnn",
			Name:      "batches_total",
			Help:      "Total mini-batches processed.",
		}),
		Training: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opgcnn",
			Name:      "training",
			Help:      "1 while a model is training, 0 otherwise.",
		}),
		TrainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opgcnn",
			Name:      "train_loss",
			Help:      "Training loss of the last completed epoch.",
		}),
		ValLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opgcnn",
			Name:      "val_loss",
			Help:      "Validation loss of the last completed epoch.",
		}),
		EpochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opgcnn",
			Name:      "epoch_duration_seconds",
			Help:      "Wall time of one training epoch including validation.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		Samples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opgcnn",
			Name:      "samples",
			Help:      "Number of samples in each split.",
		}, []string{"split"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opgcnn",
			Name:      "runs_total",
			Help:      "Training runs by outcome.",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.EpochsTotal,
		m.BatchesTotal,
		m.Training,
		m.TrainLoss,
		m.ValLoss,
		m.EpochDuration,
		m.Samples,
		m.Runs,
	)

	return m
}

// NewMetricsForTesting creates Metrics that are not registered, so tests can
// build as many as they like.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		EpochsTotal:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "opgcnn", Name: "epochs_total"}),
		BatchesTotal:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "opgcnn", Name: "batches_total"}),
		Training:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "opgcnn", Name: "training"}),
		TrainLoss:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "opgcnn", Name: "train_loss"}),
		ValLoss:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "opgcnn", Name: "val_loss"}),
		EpochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "opgcnn", Name: "epoch_duration_seconds"}),
		Samples:       prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "opgcnn", Name: "samples"}, []string{"split"}),
		Runs:          prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "opgcnn", Name: "runs_total"}, []string{"outcome"}),
	}
}
