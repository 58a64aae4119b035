package nn

import (
	"math"
	"math/rand"
)

// Initializer sets up initial weights for layers
type Initializer interface {
	initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand)
	name() string
}

// HeNormalInit - He/Kaiming normal initialization
type HeNormalInit struct {
	Gain float64
}

func HeNormal(gain float64) Initializer {
	return &HeNormalInit{Gain: gain}
}

func (h *HeNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := h.Gain * math.Sqrt(2.0/float64(fanIn))
	t.fillRandNorm(0, std, rng)
}

func (h *HeNormalInit) name() string { return "he_normal" }

// GlorotUniformInit - Xavier/Glorot uniform initialization, the default for
// convolution and dense kernels.
type GlorotUniformInit struct {
	Gain float64
}

func GlorotUniform(gain float64) Initializer {
	return &GlorotUniformInit{Gain: gain}
}

func (x *GlorotUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := x.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	t.fillRandUniform(-limit, limit, rng)
}

func (x *GlorotUniformInit) name() string { return "glorot_uniform" }

// ZerosInit - initialize with zeros
type ZerosInit struct{}

func Zeros() Initializer { return &ZerosInit{} }

func (z *ZerosInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(0)
}

func (z *ZerosInit) name() string { return "zeros" }

func initializerByName(name string) (Initializer, error) {
	switch name {
	case "glorot_uniform", "":
		return GlorotUniform(1.0), nil
	case "he_normal":
		return HeNormal(1.0), nil
	case "zeros":
		return Zeros(), nil
	default:
		return nil, errorf("unknown initializer %q", name)
	}
}
