package nn

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// LAYER ERROR TYPES
// Concise, informative error messages with location and context
// =============================================================================

var (
	// ErrShapeMismatch is returned when a tensor reaches a stage whose
	// expected input shape it does not satisfy.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNonFinite is returned when a forward pass produces NaN or Inf.
	ErrNonFinite = errors.New("non-finite values")

	// ErrNotReady is returned when a network is used before Build/Compile.
	ErrNotReady = errors.New("network not ready")
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // First 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4f, %.4f]", t.MinValue, t.MaxValue)
	}
	return s
}

// LayerError is the standard error type for failures inside a network stage.
// Kind is one of the package sentinels and is what errors.Is matches.
type LayerError struct {
	Kind       error
	LayerIndex int    // 0-indexed stage position
	LayerName  string // "conv2d", "dense", ...
	Phase      string // "build", "forward", "backward", "load"
	Got        []int  // offending per-sample shape, if any
	Expected   []int  // shape the stage was built for, if any
	Output     *TensorInfo
	Cause      string
}

// Error implements the error interface
func (e *LayerError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "nn: %s at layer %d", e.Kind, e.LayerIndex)
	if e.LayerName != "" {
		fmt.Fprintf(&b, " %q", e.LayerName)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s)", e.Phase)
	}
	if e.Got != nil || e.Expected != nil {
		fmt.Fprintf(&b, ": got %v, expected %v", e.Got, e.Expected)
	}
	if e.Output != nil {
		fmt.Fprintf(&b, ": output %s", e.Output.Format())
	}
	if e.Cause != "" {
		fmt.Fprintf(&b, ": %s", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the error kind to errors.Is.
func (e *LayerError) Unwrap() error { return e.Kind }

// shapeError is the error a layer returns from forward when its input does
// not match the shape it was built for. Network fills in index and name.
func shapeError(got, expected []int, cause string) *LayerError {
	return &LayerError{
		Kind:     ErrShapeMismatch,
		Phase:    "forward",
		Got:      append([]int(nil), got...),
		Expected: append([]int(nil), expected...),
		Cause:    cause,
	}
}

// checkInput validates the per-sample shape of input against expected.
func checkInput(input *tensor, expected []int) error {
	if len(input.shape) == 0 {
		return shapeError(nil, expected, "input has no batch axis")
	}
	if !sameShape(input.sampleShape(), expected) {
		return shapeError(input.sampleShape(), expected, "")
	}
	return nil
}

// scanTensor checks for NaN/Inf and collects stats
func scanTensor(t *tensor) *TensorInfo {
	if t == nil {
		return nil
	}

	info := &TensorInfo{
		Shape:      t.shape,
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		if math.IsNaN(v) {
			info.NaNCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		} else if math.IsInf(v, 0) {
			info.InfCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		} else {
			if v < info.MinValue {
				info.MinValue = v
			}
			if v > info.MaxValue {
				info.MaxValue = v
			}
		}
	}

	// Handle empty or all-corrupt tensors
	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}

	return info
}

// validateOutput checks a stage output for NaN/Inf.
func validateOutput(t *tensor, layerIndex int, layerName string) error {
	info := scanTensor(t)
	if info.NaNCount == 0 && info.InfCount == 0 {
		return nil
	}
	return &LayerError{
		Kind:       ErrNonFinite,
		LayerIndex: layerIndex,
		LayerName:  layerName,
		Phase:      "forward",
		Output:     info,
		Cause:      fmt.Sprintf("%d NaN, %d Inf at indices %v", info.NaNCount, info.InfCount, info.BadIndices),
	}
}
