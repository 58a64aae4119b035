package nn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strings"
)

// Network is the main neural network container
type Network struct {
	layers      []Layer
	stages      []Stage
	optimizer   Optimizer
	loss        Loss
	metrics     []Metric
	regularizer Regularizer
	gradClip    GradientClipConfig
	compiled    bool
	built       bool
	checkFinite bool
	rng         *rand.Rand
	inputShape  []int
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	workers int
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			layers:      make([]Layer, 0),
			rng:         rand.New(rand.NewSource(config.Seed)),
			checkFinite: config.CheckFinite,
		},
		workers: config.Workers,
	}
}

// AddLayer adds a layer to the network
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errors.New("nn: nil layer")
		return n
	}
	n.network.layers = append(n.network.layers, layer)
	return n
}

// Build finalizes the network structure. Each layer is built against the
// output shape of the layer before it, so the first incompatible layer is
// reported by index.
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.network.layers) == 0 {
		return nil, errors.New("nn: network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errors.New("nn: inputShape must be specified")
	}
	for _, d := range inputShape {
		if d <= 0 {
			return nil, errorf("inputShape dimensions must be > 0, got %v", inputShape)
		}
	}

	n.network.inputShape = append([]int(nil), inputShape...)

	currentShape := n.network.inputShape
	for i, layer := range n.network.layers {
		if w, ok := layer.(interface{ setWorkers(int) }); ok {
			w.setWorkers(n.workers)
		}
		if err := layer.build(currentShape, n.network.rng); err != nil {
			return nil, errorf("layer %d (%s): %w", i, layer.name(), err)
		}
		currentShape = layer.outputShape()
	}

	n.network.built = true
	return n.network, nil
}

// Compile configures optimizer, loss, and metrics
func (n *Network) Compile(config CompileConfig) error {
	if !n.built {
		return fmt.Errorf("nn: compile: %w", ErrNotReady)
	}
	if err := ValidateCompileConfig(config); err != nil {
		return err
	}

	n.optimizer = config.Optimizer
	n.loss = config.Loss
	n.metrics = config.Metrics
	n.regularizer = config.Regularizer
	n.gradClip = config.GradientClip
	n.compiled = true

	return nil
}

// InputShape is the per-sample input shape the network was built for.
func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

// OutputShape is the per-sample shape of the final layer.
func (n *Network) OutputShape() []int {
	return append([]int(nil), n.layers[len(n.layers)-1].outputShape()...)
}

// NumParams counts trainable parameters.
func (n *Network) NumParams() int {
	total := 0
	for _, l := range n.layers {
		for _, p := range l.parameters() {
			total += p.size()
		}
	}
	return total
}

// Dataset pairs flattened input samples with their target rows. Inputs are
// row-major per-sample tensors matching the network input shape.
type Dataset struct {
	Inputs  [][]float64
	Targets [][]float64
}

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d.Inputs) }

// Batch is a dense block of samples with a leading batch axis.
type Batch struct {
	Shape []int
	Data  []float64
}

// TrainResult holds training output
type TrainResult struct {
	History      map[string][]float64
	Epochs       int // epochs completed
	StoppedEpoch int // 0-based epoch where a callback halted training, -1 if none
	BestEpoch    int // 0-based epoch with the lowest val_loss (loss without validation data)
	FinalLoss    float64
	FinalMetrics map[string]float64
}

// forward runs every layer in order. Errors are attributed to the failing
// layer by index and name.
func (n *Network) forward(x *tensor, training bool) (*tensor, error) {
	out := x
	for i, layer := range n.layers {
		var err error
		out, err = layer.forward(out, training)
		if err != nil {
			return nil, annotate(err, i, layer.name())
		}
		if n.checkFinite {
			if err := validateOutput(out, i, layer.name()); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func annotate(err error, index int, name string) error {
	var le *LayerError
	if errors.As(err, &le) {
		le.LayerIndex = index
		le.LayerName = name
		return le
	}
	return errorf("layer %d (%s): %w", index, name, err)
}

func (n *Network) targetTensor(rows [][]float64) (*tensor, error) {
	outShape := n.layers[len(n.layers)-1].outputShape()
	width := shapeProduct(outShape)
	for i, row := range rows {
		if len(row) != width {
			return nil, errorf("target row %d has %d values, expected %d: %w", i, len(row), width, ErrShapeMismatch)
		}
	}
	t, err := rowsToTensor(rows, outShape)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (n *Network) inputTensor(rows [][]float64) (*tensor, error) {
	t, err := rowsToTensor(rows, n.inputShape)
	if err != nil {
		return nil, annotate(err, 0, n.layers[0].name())
	}
	return t, nil
}

// Train fits the network on train, scoring val after every epoch when it is
// non-empty. Cancelling ctx stops training between batches. On cancellation
// or a layer error the callbacks still get OnTrainEnd, and the history
// collected so far is returned with the error.
func (n *Network) Train(ctx context.Context, train, val Dataset, config TrainConfig, callbacks []Callback) (*TrainResult, error) {
	if !n.compiled {
		return nil, fmt.Errorf("nn: train: %w", ErrNotReady)
	}
	if err := ValidateTrainConfig(config); err != nil {
		return nil, err
	}
	if train.Len() == 0 {
		return nil, errors.New("nn: no training data provided")
	}
	if len(train.Inputs) != len(train.Targets) {
		return nil, errors.New("nn: inputs and targets must have same length")
	}
	if len(val.Inputs) != len(val.Targets) {
		return nil, errors.New("nn: validation inputs and targets must have same length")
	}

	trainX, err := n.inputTensor(train.Inputs)
	if err != nil {
		return nil, err
	}
	trainY, err := n.targetTensor(train.Targets)
	if err != nil {
		return nil, err
	}
	var valX, valY *tensor
	if val.Len() > 0 {
		if valX, err = n.inputTensor(val.Inputs); err != nil {
			return nil, err
		}
		if valY, err = n.targetTensor(val.Targets); err != nil {
			return nil, err
		}
	}

	result := &TrainResult{
		History:      make(map[string][]float64),
		StoppedEpoch: -1,
		BestEpoch:    -1,
		FinalMetrics: make(map[string]float64),
	}
	best := math.Inf(1)

	logs := make(map[string]float64)
	for _, cb := range callbacks {
		if na, ok := cb.(networkAware); ok {
			na.setNetwork(n)
		}
		cb.OnTrainBegin(logs)
	}

	trainSize := trainX.shape[0]
	numBatches := (trainSize + config.BatchSize - 1) / config.BatchSize

	var params []*tensor
	var grads []*tensor
	for _, layer := range n.layers {
		params = append(params, layer.parameters()...)
		grads = append(grads, layer.gradients()...)
	}

	for epoch := 0; epoch < config.Epochs; epoch++ {
		for _, cb := range callbacks {
			cb.OnEpochBegin(epoch, logs)
		}

		if config.Shuffle {
			shuffleData(trainX, trainY, n.rng)
		}

		epochLoss := 0.0
		for _, m := range n.metrics {
			m.reset()
		}

		for batch := 0; batch < numBatches; batch++ {
			if err := ctx.Err(); err != nil {
				n.finish(result, logs, callbacks)
				return result, err
			}
			for _, cb := range callbacks {
				cb.OnBatchBegin(batch, logs)
			}

			start := batch * config.BatchSize
			batchX := getBatch(trainX, start, config.BatchSize)
			batchY := getBatch(trainY, start, config.BatchSize)

			output, err := n.forward(batchX, true)
			if err != nil {
				n.finish(result, logs, callbacks)
				return result, err
			}

			batchLoss := n.loss.compute(output, batchY)
			for _, p := range params {
				batchLoss += n.regularizer.loss(p)
			}
			epochLoss += batchLoss * float64(batchX.shape[0])

			for _, m := range n.metrics {
				m.update(output, batchY)
			}

			gradOutput := newTensor(output.shape...)
			n.loss.gradient(output, batchY, gradOutput)
			for i := len(n.layers) - 1; i >= 0; i-- {
				gradOutput, err = n.layers[i].backward(gradOutput)
				if err != nil {
					n.finish(result, logs, callbacks)
					return result, annotate(err, i, n.layers[i].name())
				}
			}

			for j := range params {
				n.regularizer.gradient(params[j], grads[j])
			}
			n.clipGradients(grads)
			n.optimizer.step(params, grads)

			logs["batch_loss"] = batchLoss
			for _, cb := range callbacks {
				cb.OnBatchEnd(batch, logs)
			}
		}
		delete(logs, "batch_loss")

		logs["loss"] = epochLoss / float64(trainSize)
		for _, m := range n.metrics {
			logs[m.name()] = m.result()
		}

		monitored := logs["loss"]
		if valX != nil {
			scores, err := n.score(valX, valY, 0)
			if err != nil {
				n.finish(result, logs, callbacks)
				return result, err
			}
			for k, v := range scores {
				logs["val_"+k] = v
			}
			monitored = logs["val_loss"]
		}
		if monitored < best {
			best = monitored
			result.BestEpoch = epoch
		}

		for k, v := range logs {
			result.History[k] = append(result.History[k], v)
		}
		result.Epochs = epoch + 1

		stopTraining := false
		for _, cb := range callbacks {
			if cb.OnEpochEnd(epoch, logs) {
				stopTraining = true
			}
		}
		if stopTraining {
			result.StoppedEpoch = epoch
			break
		}
	}

	n.finish(result, logs, callbacks)
	return result, nil
}

func (n *Network) finish(result *TrainResult, logs map[string]float64, callbacks []Callback) {
	for _, cb := range callbacks {
		cb.OnTrainEnd(logs)
	}
	result.FinalLoss = logs["loss"]
	for _, m := range n.metrics {
		result.FinalMetrics[m.name()] = logs[m.name()]
	}
}

func (n *Network) clipGradients(grads []*tensor) {
	switch n.gradClip.Mode {
	case "norm":
		totalNorm := 0.0
		for _, g := range grads {
			norm := l2Norm(g)
			totalNorm += norm * norm
		}
		totalNorm = math.Sqrt(totalNorm)
		if totalNorm > n.gradClip.MaxNorm {
			scale := n.gradClip.MaxNorm / totalNorm
			for _, g := range grads {
				mulScalar(g, scale)
			}
		}
	case "value":
		for _, g := range grads {
			clip(g, -n.gradClip.MaxValue, n.gradClip.MaxValue)
		}
	}
}

// inferenceChunk bounds how many samples go through one inference forward pass.
const inferenceChunk = 256

// score computes sample-weighted loss and metrics in inference mode.
func (n *Network) score(x, y *tensor, chunk int) (map[string]float64, error) {
	if chunk <= 0 {
		chunk = inferenceChunk
	}
	total := x.shape[0]
	for _, m := range n.metrics {
		m.reset()
	}
	lossSum := 0.0
	for start := 0; start < total; start += chunk {
		bx := getBatch(x, start, chunk)
		by := getBatch(y, start, chunk)
		out, err := n.forward(bx, false)
		if err != nil {
			return nil, err
		}
		lossSum += n.loss.compute(out, by) * float64(bx.shape[0])
		for _, m := range n.metrics {
			m.update(out, by)
		}
	}
	results := map[string]float64{"loss": lossSum / float64(total)}
	for _, m := range n.metrics {
		results[m.name()] = m.result()
	}
	return results, nil
}

// Infer runs one inference-mode forward pass over a batch. Shape[0] is the
// batch axis; the remaining axes must match the network input shape.
func (n *Network) Infer(b Batch) ([][]float64, error) {
	if !n.built {
		return nil, fmt.Errorf("nn: infer: %w", ErrNotReady)
	}
	if len(b.Shape) == 0 || shapeProduct(b.Shape) != len(b.Data) {
		return nil, annotate(shapeError(b.Shape, n.inputShape,
			fmt.Sprintf("batch holds %d values for shape %v", len(b.Data), b.Shape)), 0, n.layers[0].name())
	}
	x := tensorFrom(append([]float64(nil), b.Data...), b.Shape...)
	out, err := n.forward(x, false)
	if err != nil {
		return nil, err
	}
	return tensorToRows(out), nil
}

// Predict runs inference on flattened samples
func (n *Network) Predict(inputs [][]float64) ([][]float64, error) {
	if !n.built {
		return nil, fmt.Errorf("nn: predict: %w", ErrNotReady)
	}
	if len(inputs) == 0 {
		return [][]float64{}, nil
	}
	x, err := n.inputTensor(inputs)
	if err != nil {
		return nil, err
	}
	result := make([][]float64, 0, len(inputs))
	for start := 0; start < len(inputs); start += inferenceChunk {
		out, err := n.forward(getBatch(x, start, inferenceChunk), false)
		if err != nil {
			return nil, err
		}
		result = append(result, tensorToRows(out)...)
	}
	return result, nil
}

// Evaluate computes loss and compiled metrics in inference mode
func (n *Network) Evaluate(d Dataset) (map[string]float64, error) {
	if !n.compiled {
		return nil, fmt.Errorf("nn: evaluate: %w", ErrNotReady)
	}
	if d.Len() == 0 {
		return nil, errors.New("nn: no evaluation data provided")
	}
	if len(d.Inputs) != len(d.Targets) {
		return nil, errors.New("nn: inputs and targets must have same length")
	}
	x, err := n.inputTensor(d.Inputs)
	if err != nil {
		return nil, err
	}
	y, err := n.targetTensor(d.Targets)
	if err != nil {
		return nil, err
	}
	return n.score(x, y, 0)
}

// snapshot copies every parameter and buffer in layer order.
func (n *Network) snapshot() [][]float64 {
	var out [][]float64
	for _, l := range n.layers {
		for _, t := range append(l.parameters(), l.buffers()...) {
			out = append(out, append([]float64(nil), t.data...))
		}
	}
	return out
}

func (n *Network) restore(s [][]float64) {
	i := 0
	for _, l := range n.layers {
		for _, t := range append(l.parameters(), l.buffers()...) {
			copy(t.data, s[i])
			i++
		}
	}
}

// LayerState is the serialized state of one layer.
type LayerState struct {
	Name    string      `json:"name"`
	Shapes  [][]int     `json:"shapes,omitempty"`
	Weights [][]float64 `json:"weights,omitempty"`
	Buffers [][]float64 `json:"buffers,omitempty"`
}

// ModelState for serialization
type ModelState struct {
	Version    string       `json:"version"`
	InputShape []int        `json:"input_shape"`
	Layers     []LayerState `json:"layers"`
}

// State captures weights and running statistics.
func (n *Network) State() ModelState {
	state := ModelState{
		Version:    Version,
		InputShape: n.InputShape(),
		Layers:     make([]LayerState, 0, len(n.layers)),
	}
	for _, layer := range n.layers {
		ls := LayerState{Name: layer.name()}
		for _, p := range layer.parameters() {
			ls.Shapes = append(ls.Shapes, append([]int(nil), p.shape...))
			ls.Weights = append(ls.Weights, append([]float64(nil), p.data...))
		}
		for _, b := range layer.buffers() {
			ls.Buffers = append(ls.Buffers, append([]float64(nil), b.data...))
		}
		state.Layers = append(state.Layers, ls)
	}
	return state
}

// SetState loads state produced by State on a network of the same topology.
func (n *Network) SetState(state ModelState) error {
	if !sameShape(state.InputShape, n.inputShape) {
		return &LayerError{Kind: ErrShapeMismatch, Phase: "load", Got: state.InputShape, Expected: n.inputShape,
			Cause: "input shape differs"}
	}
	if len(state.Layers) != len(n.layers) {
		return &LayerError{Kind: ErrShapeMismatch, Phase: "load",
			Cause: fmt.Sprintf("state has %d layers, network has %d", len(state.Layers), len(n.layers))}
	}
	for i, layer := range n.layers {
		ls := state.Layers[i]
		mismatch := func(cause string) error {
			return &LayerError{Kind: ErrShapeMismatch, LayerIndex: i, LayerName: layer.name(), Phase: "load", Cause: cause}
		}
		if ls.Name != layer.name() {
			return mismatch(fmt.Sprintf("state layer is %q", ls.Name))
		}
		params := layer.parameters()
		if len(ls.Weights) != len(params) {
			return mismatch(fmt.Sprintf("state has %d weight tensors, layer has %d", len(ls.Weights), len(params)))
		}
		for j, p := range params {
			if len(ls.Weights[j]) != len(p.data) {
				return mismatch(fmt.Sprintf("weight %d has %d values, expected %d", j, len(ls.Weights[j]), len(p.data)))
			}
		}
		bufs := layer.buffers()
		if len(ls.Buffers) != len(bufs) {
			return mismatch(fmt.Sprintf("state has %d buffers, layer has %d", len(ls.Buffers), len(bufs)))
		}
		for j, b := range bufs {
			if len(ls.Buffers[j]) != len(b.data) {
				return mismatch(fmt.Sprintf("buffer %d has %d values, expected %d", j, len(ls.Buffers[j]), len(b.data)))
			}
		}
	}
	for i, layer := range n.layers {
		for j, p := range layer.parameters() {
			copy(p.data, state.Layers[i].Weights[j])
		}
		for j, b := range layer.buffers() {
			copy(b.data, state.Layers[i].Buffers[j])
		}
	}
	return nil
}

// WriteTo encodes the model state as JSON.
func (n *Network) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := json.NewEncoder(cw).Encode(n.State())
	return cw.n, err
}

// ReadFrom decodes model state written by WriteTo.
func (n *Network) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	var state ModelState
	if err := json.NewDecoder(cr).Decode(&state); err != nil {
		return cr.n, errorf("decode model state: %w", err)
	}
	return cr.n, n.SetState(state)
}

// Save saves model weights and running statistics to file
func (n *Network) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := n.WriteTo(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Load loads model weights from file
func (n *Network) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = n.ReadFrom(file)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	k, err := c.w.Write(p)
	c.n += int64(k)
	return k, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	k, err := c.r.Read(p)
	c.n += int64(k)
	return k, err
}

// Summary prints network architecture
func (n *Network) Summary() string {
	var b strings.Builder
	b.WriteString("Network Summary\n")
	b.WriteString("===============\n")
	fmt.Fprintf(&b, "Input: %s\n", formatShape(n.inputShape))

	totalParams := 0
	for i, layer := range n.layers {
		layerParams := 0
		for _, p := range layer.parameters() {
			layerParams += p.size()
		}
		totalParams += layerParams
		desc := layer.name()
		if i < len(n.stages) {
			desc = n.stages[i].String()
		}
		fmt.Fprintf(&b, "Layer %d: %-36s -> %-14s %d params\n", i+1, desc, formatShape(layer.outputShape()), layerParams)
	}
	b.WriteString("===============\n")
	fmt.Fprintf(&b, "Output: %s\n", formatShape(n.OutputShape()))
	fmt.Fprintf(&b, "Total parameters: %d\n", totalParams)
	return b.String()
}
