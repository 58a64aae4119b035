package observability

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"opgcnn/nn"
)

// LogProgressCallback logs epoch results and feeds Metrics. Either sink may
// be nil.
type LogProgressCallback struct {
	nn.NopCallback
	logger  *zap.Logger
	metrics *Metrics
	clock   clockwork.Clock
	every   int

	trainStart time.Time
	epochStart time.Time
}

type LogProgressConfig struct {
	Logger  *zap.Logger
	Metrics *Metrics
	Clock   clockwork.Clock // defaults to the real clock
	Every   int             // log every n-th epoch; 0 or 1 logs all
}

func LogProgress(config LogProgressConfig) *LogProgressCallback {
	p := &LogProgressCallback{
		logger:  config.Logger,
		metrics: config.Metrics,
		clock:   config.Clock,
		every:   config.Every,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.every <= 0 {
		p.every = 1
	}
	return p
}

func (p *LogProgressCallback) OnTrainBegin(logs map[string]float64) {
	p.trainStart = p.clock.Now()
	if p.metrics != nil {
		p.metrics.Training.Set(1)
	}
	p.logger.Info("training started")
}

func (p *LogProgressCallback) OnTrainEnd(logs map[string]float64) {
	if p.metrics != nil {
		p.metrics.Training.Set(0)
	}
	p.logger.Info("training complete", zap.Duration("elapsed", p.clock.Since(p.trainStart)))
}

func (p *LogProgressCallback) OnEpochBegin(epoch int, logs map[string]float64) {
	p.epochStart = p.clock.Now()
}

func (p *LogProgressCallback) OnBatchEnd(batch int, logs map[string]float64) {
	if p.metrics != nil {
		p.metrics.BatchesTotal.Inc()
	}
}

func (p *LogProgressCallback) OnEpochEnd(epoch int, logs map[string]float64) bool {
	elapsed := p.clock.Since(p.epochStart)
	if p.metrics != nil {
		p.metrics.EpochsTotal.Inc()
		p.metrics.EpochDuration.Observe(elapsed.Seconds())
		if v, ok := logs["loss"]; ok {
			p.metrics.TrainLoss.Set(v)
		}
		if v, ok := logs["val_loss"]; ok {
			p.metrics.ValLoss.Set(v)
		}
	}

	if (epoch+1)%p.every != 0 {
		return false
	}
	keys := make([]string, 0, len(logs))
	for k := range logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys)+2)
	fields = append(fields, zap.Int("epoch", epoch+1), zap.Duration("duration", elapsed))
	for _, k := range keys {
		fields = append(fields, zap.Float64(k, logs[k]))
	}
	p.logger.Info("epoch complete", fields...)
	return false
}

func (p *LogProgressCallback) Name() string { return "log_progress" }
