package nn

import (
	"fmt"
	"math/rand"
)

// shuffleData shuffles input and target data in-place
func shuffleData(inputs, targets *tensor, rng *rand.Rand) {
	n := inputs.shape[0]
	inputCols := inputs.size() / n
	targetCols := targets.size() / n

	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		// Swap rows in inputs
		for k := 0; k < inputCols; k++ {
			inputs.data[i*inputCols+k], inputs.data[j*inputCols+k] =
				inputs.data[j*inputCols+k], inputs.data[i*inputCols+k]
		}
		// Swap rows in targets
		for k := 0; k < targetCols; k++ {
			targets.data[i*targetCols+k], targets.data[j*targetCols+k] =
				targets.data[j*targetCols+k], targets.data[i*targetCols+k]
		}
	}
}

// getBatch extracts a batch from data
func getBatch(data *tensor, start, batchSize int) *tensor {
	totalSamples := data.shape[0]
	end := start + batchSize
	if end > totalSamples {
		end = totalSamples
	}
	actualBatch := end - start

	batchShape := append([]int{actualBatch}, data.shape[1:]...)
	batch := newTensor(batchShape...)

	elementsPerSample := data.size() / totalSamples
	copy(batch.data, data.data[start*elementsPerSample:end*elementsPerSample])

	return batch
}

// rowsToTensor packs rows of equal length into a (n, sampleShape...) tensor.
// A row whose length does not match the sample shape is reported as a shape
// mismatch at the first stage.
func rowsToTensor(rows [][]float64, sampleShape []int) (*tensor, error) {
	width := shapeProduct(sampleShape)
	t := newTensor(append([]int{len(rows)}, sampleShape...)...)
	for i, row := range rows {
		if len(row) != width {
			return nil, &LayerError{
				Kind:     ErrShapeMismatch,
				Phase:    "forward",
				Expected: sampleShape,
				Cause:    fmt.Sprintf("row %d has %d values, expected %d", i, len(row), width),
			}
		}
		copy(t.data[i*width:], row)
	}
	return t, nil
}

// tensorToRows is the inverse of rowsToTensor for (n, k) tensors.
func tensorToRows(t *tensor) [][]float64 {
	n := t.shape[0]
	width := t.size() / n
	out := make([][]float64, n)
	for i := range out {
		out[i] = append([]float64(nil), t.data[i*width:(i+1)*width]...)
	}
	return out
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("nn: "+format, args...)
}

// maxInt returns the maximum of two ints
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
