package dataset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSplitPartitions(t *testing.T) {
	s, err := NewSplit(2708, 42, 1896, 406, 406)
	require.NoError(t, err)

	train, test, val := s.Sizes()
	assert.Equal(t, 1896, train)
	assert.Equal(t, 406, test)
	assert.Equal(t, 406, val)

	seen := make(map[int]int, 2708)
	for _, block := range [][]int{s.Train, s.Test, s.Val} {
		for _, i := range block {
			seen[i]++
		}
	}
	require.Len(t, seen, 2708)
	for i := 0; i < 2708; i++ {
		assert.Equal(t, 1, seen[i], "index %d", i)
	}

	all := append(append(append([]int(nil), s.Train...), s.Test...), s.Val...)
	assert.Equal(t, s.Perm, all)
	sort.Ints(all)
	assert.Equal(t, 0, all[0])
	assert.Equal(t, 2707, all[len(all)-1])
}

func TestNewSplitReproducible(t *testing.T) {
	a, err := NewSplit(2708, 42, 1896, 406, 406)
	require.NoError(t, err)
	b, err := NewSplit(2708, 42, 1896, 406, 406)
	require.NoError(t, err)
	assert.Equal(t, a.Perm, b.Perm)

	c, err := NewSplit(2708, 43, 1896, 406, 406)
	require.NoError(t, err)
	assert.NotEqual(t, a.Perm, c.Perm)
}

func TestNewSplitInvalid(t *testing.T) {
	_, err := NewSplit(10, 1, 5, 3, 3)
	assert.ErrorIs(t, err, ErrInvalidSplit)

	_, err = NewSplit(10, 1, 12, -1, -1)
	assert.ErrorIs(t, err, ErrInvalidSplit)
}

func TestSplitCounts(t *testing.T) {
	tests := []struct {
		n                   int
		train, test         float64
		wTrain, wTest, wVal int
	}{
		{2708, 0.7, 0.15, 1896, 406, 406},
		{10, 0.7, 0.15, 7, 2, 1},
		{3, 0.5, 0.5, 2, 1, 0},
		{0, 0.7, 0.15, 0, 0, 0},
	}
	for _, tt := range tests {
		nTrain, nTest, nVal, err := SplitCounts(tt.n, tt.train, tt.test)
		require.NoError(t, err)
		assert.Equal(t, []int{tt.wTrain, tt.wTest, tt.wVal}, []int{nTrain, nTest, nVal}, "n=%d", tt.n)
	}

	_, _, _, err := SplitCounts(10, 0.8, 0.3)
	assert.ErrorIs(t, err, ErrInvalidSplit)
}

func TestSplitByFraction(t *testing.T) {
	s, err := SplitByFraction(2708, 42, 0.7, 0.15)
	require.NoError(t, err)
	want, err := NewSplit(2708, 42, 1896, 406, 406)
	require.NoError(t, err)
	assert.Equal(t, want, s)
}
