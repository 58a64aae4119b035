package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropoutTrainingScalesSurvivors(t *testing.T) {
	d := Dropout(0.25).Build()
	require.NoError(t, d.build([]int{100}, rand.New(rand.NewSource(7))))

	in := newTensor(100, 100)
	in.fill(1)

	out, err := d.forward(in, true)
	require.NoError(t, err)

	zeros := 0
	for _, v := range out.data {
		if v == 0 {
			zeros++
			continue
		}
		assert.InDelta(t, 1/0.75, v, 1e-12)
	}
	frac := float64(zeros) / float64(len(out.data))
	assert.InDelta(t, 0.25, frac, 0.02)
}

func TestDropoutInferenceIsIdentity(t *testing.T) {
	d := Dropout(0.25).Build()
	require.NoError(t, d.build([]int{4}, rand.New(rand.NewSource(1))))

	in := tensorFrom([]float64{1, -2, 3, 4, 5, 6, 7, 8}, 2, 4)
	out, err := d.forward(in, false)
	require.NoError(t, err)
	assert.Equal(t, in.data, out.data)
	assert.Equal(t, []int{4}, d.outputShape())
}

func TestDropoutRejectsRate(t *testing.T) {
	for _, rate := range []float64{-0.1, 1, 1.5} {
		d := Dropout(rate).Build()
		assert.Error(t, d.build([]int{4}, rand.New(rand.NewSource(1))), "rate %g", rate)
	}
}

func TestBatchNormTrainingAndInference(t *testing.T) {
	bn := BatchNorm(1e-3, 0.9).Build().(*BatchNormLayer)
	require.NoError(t, bn.build([]int{2, 2, 2}, nil))

	// Channel 0 holds 1..4 per sample, channel 1 is constant 5.
	data := make([]float64, 0, 16)
	for b := 0; b < 2; b++ {
		for p := 0; p < 4; p++ {
			data = append(data, float64(p+1), 5)
		}
	}
	in := tensorFrom(data, 2, 2, 2, 2)

	out, err := bn.forward(in, true)
	require.NoError(t, err)

	// Normalized channel 0 has zero mean and ~unit variance over every position.
	var sum, sq float64
	for i := 0; i < len(out.data); i += 2 {
		sum += out.data[i]
		sq += out.data[i] * out.data[i]
	}
	assert.InDelta(t, 0, sum/8, 1e-9)
	assert.InDelta(t, 1, sq/8, 1e-3)
	// A constant channel normalizes to beta.
	for i := 1; i < len(out.data); i += 2 {
		assert.InDelta(t, 0, out.data[i], 1e-9)
	}

	// running = 0.9*running + 0.1*batch
	want := []float64{0.1 * 2.5, 0.1 * 5}
	assert.True(t, cmp.Equal(want, bn.runningMean.data, cmpopts.EquateApprox(0, 1e-12)))
	wantVar := []float64{0.9 + 0.1*1.25, 0.9}
	assert.True(t, cmp.Equal(wantVar, bn.runningVar.data, cmpopts.EquateApprox(0, 1e-12)))

	// Inference uses the running statistics and leaves them alone.
	inf, err := bn.forward(in, false)
	require.NoError(t, err)
	assert.InDelta(t, (1-0.25)/math.Sqrt(1.025+1e-3), inf.data[0], 1e-12)
	assert.True(t, cmp.Equal(want, bn.runningMean.data, cmpopts.EquateApprox(0, 1e-12)))
}

func TestBatchNormValidatesHyperparameters(t *testing.T) {
	assert.Error(t, BatchNorm(0, 0.99).Build().build([]int{3}, nil))
	assert.Error(t, BatchNorm(1e-3, 1).Build().build([]int{3}, nil))
}

func TestMaxPoolFloorsOddSizes(t *testing.T) {
	p := MaxPool2D([2]int{2, 2}).Build()
	require.NoError(t, p.build([]int{19, 27, 16}, nil))
	assert.Equal(t, []int{9, 13, 16}, p.outputShape())

	p2 := MaxPool2D([2]int{2, 2}).Build()
	require.NoError(t, p2.build([]int{9, 13, 32}, nil))
	assert.Equal(t, []int{4, 6, 32}, p2.outputShape())
}

func TestMaxPoolRoutesGradientToMaximum(t *testing.T) {
	p := MaxPool2D([2]int{2, 2}).Build()
	require.NoError(t, p.build([]int{2, 2, 1}, nil))

	in := tensorFrom([]float64{1, 4, 3, 2}, 1, 2, 2, 1)
	out, err := p.forward(in, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, out.data)

	grad, err := p.backward(tensorFrom([]float64{10}, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 0, 0}, grad.data)
}

func TestMaxPoolDegenerateWindowStaysInSample(t *testing.T) {
	p := MaxPool2D([2]int{2, 2}).Build()
	require.NoError(t, p.build([]int{2, 2, 1}, nil))

	nan, ninf := math.NaN(), math.Inf(-1)
	in := tensorFrom([]float64{1, 4, 3, 2, nan, nan, ninf, nan}, 2, 2, 2, 1)
	_, err := p.forward(in, true)
	require.NoError(t, err)

	grad, err := p.backward(tensorFrom([]float64{10, 7}, 2, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 0, 0, 7, 0, 0, 0}, grad.data)
}

func TestConvSamePaddingKeepsSpatialSize(t *testing.T) {
	c := Conv2D(4, [2]int{3, 3}).
		WithPadding("same").
		WithActivation(ReLU()).
		WithInitializer(GlorotUniform(1)).
		WithBiasInitializer(Zeros()).
		WithBias(true).
		Build()
	require.NoError(t, c.build([]int{19, 27, 6}, rand.New(rand.NewSource(3))))
	assert.Equal(t, []int{19, 27, 4}, c.outputShape())
}

func TestConvGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	c := Conv2D(2, [2]int{3, 3}).
		WithPadding("same").
		WithActivation(Linear()).
		WithInitializer(GlorotUniform(1)).
		WithBiasInitializer(Zeros()).
		WithBias(true).
		Build().(*Conv2DLayer)
	require.NoError(t, c.build([]int{4, 5, 2}, rng))

	in := newTensor(2, 4, 5, 2)
	in.fillRandNorm(0, 1, rng)

	// L = 0.5 * sum(out^2) so dL/dout = out. Layer gradients are batch means.
	lossAt := func() float64 {
		out, err := c.forward(in, true)
		require.NoError(t, err)
		s := 0.0
		for _, v := range out.data {
			s += 0.5 * v * v
		}
		return s / 2
	}

	out, err := c.forward(in, true)
	require.NoError(t, err)
	_, err = c.backward(out.clone())
	require.NoError(t, err)
	analytic := append([]float64(nil), c.gradW.data...)

	const h = 1e-6
	for _, i := range []int{0, 5, 17, len(c.weights.data) - 1} {
		orig := c.weights.data[i]
		c.weights.data[i] = orig + h
		up := lossAt()
		c.weights.data[i] = orig - h
		down := lossAt()
		c.weights.data[i] = orig
		assert.InDelta(t, (up-down)/(2*h), analytic[i], 1e-5, "weight %d", i)
	}
}

func TestDenseRequiresFlatInput(t *testing.T) {
	d := Dense(3).WithActivation(ReLU()).WithInitializer(GlorotUniform(1)).Build()
	assert.Error(t, d.build([]int{4, 6, 32}, rand.New(rand.NewSource(1))))
}

func TestFlattenPreservesRowMajorOrder(t *testing.T) {
	f := Flatten().Build()
	require.NoError(t, f.build([]int{2, 2, 2}, nil))
	in := tensorFrom([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)
	out, err := f.forward(in, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8}, out.shape)
	assert.Equal(t, in.data, out.data)
}
