package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrInvalidSplit is returned when split counts do not partition the samples.
var ErrInvalidSplit = errors.New("dataset: invalid split")

// Split is one seeded permutation cut into contiguous [train | test | val]
// blocks. The blocks are disjoint and together cover every index.
type Split struct {
	Seed  int64
	Perm  []int
	Train []int
	Test  []int
	Val   []int
}

// NewSplit permutes 0..n-1 with a generator seeded by seed and slices the
// permutation in the order train, test, validation.
func NewSplit(n int, seed int64, nTrain, nTest, nVal int) (*Split, error) {
	if nTrain < 0 || nTest < 0 || nVal < 0 {
		return nil, fmt.Errorf("%w: negative count (%d, %d, %d)", ErrInvalidSplit, nTrain, nTest, nVal)
	}
	if nTrain+nTest+nVal != n {
		return nil, fmt.Errorf("%w: %d + %d + %d != %d", ErrInvalidSplit, nTrain, nTest, nVal, n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return &Split{
		Seed:  seed,
		Perm:  perm,
		Train: perm[:nTrain:nTrain],
		Test:  perm[nTrain : nTrain+nTest : nTrain+nTest],
		Val:   perm[nTrain+nTest:],
	}, nil
}

// SplitCounts rounds n*trainFrac and n*testFrac to the nearest integer;
// validation gets the rest. For n=2708 and 0.7/0.15 that is 1896/406/406.
func SplitCounts(n int, trainFrac, testFrac float64) (nTrain, nTest, nVal int, err error) {
	if n < 0 || trainFrac < 0 || testFrac < 0 || trainFrac+testFrac > 1 {
		return 0, 0, 0, fmt.Errorf("%w: n=%d fractions train=%g test=%g", ErrInvalidSplit, n, trainFrac, testFrac)
	}
	nTrain = int(math.Round(float64(n) * trainFrac))
	nTest = int(math.Round(float64(n) * testFrac))
	if nTrain+nTest > n {
		nTest = n - nTrain
	}
	return nTrain, nTest, n - nTrain - nTest, nil
}

// SplitByFraction derives counts with SplitCounts and calls NewSplit.
func SplitByFraction(n int, seed int64, trainFrac, testFrac float64) (*Split, error) {
	nTrain, nTest, nVal, err := SplitCounts(n, trainFrac, testFrac)
	if err != nil {
		return nil, err
	}
	return NewSplit(n, seed, nTrain, nTest, nVal)
}

// Sizes returns the block lengths.
func (s *Split) Sizes() (train, test, val int) {
	return len(s.Train), len(s.Test), len(s.Val)
}
