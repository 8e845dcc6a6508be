package versionstamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceNextIsStrictlyIncreasing(t *testing.T) {
	var src Source
	var prev Versionstamp
	for i := 0; i < 1000; i++ {
		v, err := src.Next()
		require.NoError(t, err)
		if i > 0 {
			assert.Negative(t, prev.Compare(v), "iteration %d must be strictly greater than previous", i)
		}
		prev = v
	}
}

func TestSourceNextConcurrentUseProducesUniqueOrderedValues(t *testing.T) {
	var src Source
	const n = 200
	results := make(chan Versionstamp, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := src.Next()
			require.NoError(t, err)
			results <- v
		}()
	}
	seen := make(map[Versionstamp]bool, n)
	for i := 0; i < n; i++ {
		v := <-results
		assert.False(t, seen[v], "versionstamp must be unique")
		seen[v] = true
	}
}

func TestParseRoundTrip(t *testing.T) {
	var src Source
	v, err := src.Next()
	require.NoError(t, err)

	parsed, err := Parse(v.Bytes())
	require.NoError(t, err)
	assert.Equal(t, v, parsed)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestIncrementedCarriesIntoTimestampOnTailWrap(t *testing.T) {
	var v Versionstamp
	for i := 8; i < Size; i++ {
		v[i] = 0xFF
	}
	next := incremented(v)
	assert.Equal(t, 0, v.Compare(v))
	assert.Negative(t, v.Compare(next))
	for i := 8; i < Size; i++ {
		assert.Equal(t, byte(0), next[i])
	}
}
