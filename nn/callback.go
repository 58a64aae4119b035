package nn

import "math"

// Callback is called during training at various points. Logs hold the
// metrics known at that point; they must not be retained after the call.
type Callback interface {
	OnTrainBegin(logs map[string]float64)
	OnTrainEnd(logs map[string]float64)
	OnEpochBegin(epoch int, logs map[string]float64)
	OnEpochEnd(epoch int, logs map[string]float64) bool // return true to stop training
	OnBatchBegin(batch int, logs map[string]float64)
	OnBatchEnd(batch int, logs map[string]float64)
	Name() string
}

// NopCallback implements Callback with no-ops. Embed it to override only the
// hooks you need.
type NopCallback struct{}

func (NopCallback) OnTrainBegin(logs map[string]float64)               {}
func (NopCallback) OnTrainEnd(logs map[string]float64)                 {}
func (NopCallback) OnEpochBegin(epoch int, logs map[string]float64)    {}
func (NopCallback) OnEpochEnd(epoch int, logs map[string]float64) bool { return false }
func (NopCallback) OnBatchBegin(batch int, logs map[string]float64)    {}
func (NopCallback) OnBatchEnd(batch int, logs map[string]float64)      {}
func (NopCallback) Name() string                                       { return "nop" }

// networkAware callbacks get the network being trained before the first epoch.
type networkAware interface {
	setNetwork(n *Network)
}

// EarlyStoppingCallback stops training when a monitored metric stops improving
type EarlyStoppingCallback struct {
	NopCallback
	Monitor     string
	MinDelta    float64
	Patience    int
	Mode        string // "min" or "max"
	RestoreBest bool

	net          *Network
	bestValue    float64
	bestEpoch    int
	bestWeights  [][]float64
	wait         int
	stoppedEpoch int
}

type EarlyStoppingConfig struct {
	Monitor     string
	MinDelta    float64
	Patience    int
	Mode        string
	RestoreBest bool
}

func EarlyStopping(config EarlyStoppingConfig) *EarlyStoppingCallback {
	e := &EarlyStoppingCallback{
		Monitor:     config.Monitor,
		MinDelta:    config.MinDelta,
		Patience:    config.Patience,
		Mode:        config.Mode,
		RestoreBest: config.RestoreBest,
	}
	e.reset()
	return e
}

func (e *EarlyStoppingCallback) reset() {
	e.wait = 0
	e.bestEpoch = -1
	e.stoppedEpoch = -1
	e.bestWeights = nil
	if e.Mode == "max" {
		e.bestValue = math.Inf(-1)
	} else {
		e.bestValue = math.Inf(1)
	}
}

func (e *EarlyStoppingCallback) setNetwork(n *Network) { e.net = n }

func (e *EarlyStoppingCallback) OnTrainBegin(logs map[string]float64) { e.reset() }

func (e *EarlyStoppingCallback) OnEpochEnd(epoch int, logs map[string]float64) bool {
	current, ok := logs[e.Monitor]
	if !ok || math.IsNaN(current) {
		return false
	}

	var improved bool
	if e.Mode == "max" {
		improved = current > e.bestValue+e.MinDelta
	} else {
		improved = current < e.bestValue-e.MinDelta
	}

	if improved {
		e.bestValue = current
		e.bestEpoch = epoch
		e.wait = 0
		if e.RestoreBest && e.net != nil {
			e.bestWeights = e.net.snapshot()
		}
		return false
	}
	e.wait++
	if e.wait >= e.Patience {
		e.stoppedEpoch = epoch
		return true
	}
	return false
}

// OnTrainEnd rolls the network back to the best epoch when RestoreBest is set.
func (e *EarlyStoppingCallback) OnTrainEnd(logs map[string]float64) {
	if e.RestoreBest && e.net != nil && e.bestWeights != nil {
		e.net.restore(e.bestWeights)
	}
}

func (e *EarlyStoppingCallback) Name() string { return "early_stopping" }

// StoppedEpoch is the 0-based epoch at which training was halted, or -1.
func (e *EarlyStoppingCallback) StoppedEpoch() int { return e.stoppedEpoch }

// BestEpoch is the 0-based epoch with the best monitored value, or -1.
func (e *EarlyStoppingCallback) BestEpoch() int { return e.bestEpoch }

// BestValue is the best monitored value seen so far.
func (e *EarlyStoppingCallback) BestValue() float64 { return e.bestValue }
