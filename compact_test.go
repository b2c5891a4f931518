package sieve

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// cpuCompact is the reference compaction.
func cpuCompact(input []int32) []int32 {
	out := make([]int32, 0, len(input))
	for _, v := range input {
		if v != 0 {
			out = append(out, v)
		}
	}
	return out
}

func TestCompactEmpty(t *testing.T) {
	out, count, err := Compact([]int32{})
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, out)
}

func TestCompactScenarios(t *testing.T) {
	requireGPU(t)

	tests := []struct {
		name      string
		input     []int32
		want      []int32
		wantCount int
	}{
		{"sparse", []int32{1, 0, 0, 3, 0, 1}, []int32{1, 3, 1}, 3},
		{"single zero", []int32{0}, []int32{}, 0},
		{"single value", []int32{5}, []int32{5}, 1},
		{"dense power of two", []int32{4, 2, 1, 6, 5, 1, 3, 2}, []int32{4, 2, 1, 6, 5, 1, 3, 2}, 8},
		{"leading zeros", []int32{0, 0, 0, 9}, []int32{9}, 1},
		{"trailing zeros", []int32{7, 0, 0, 0}, []int32{7}, 1},
		{"negatives survive", []int32{-1, 0, -2, 0, 3}, []int32{-1, -2, 3}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, count, err := Compact(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.wantCount, count)
			require.Equal(t, tt.want, out)
		})
	}
}

func TestCompactAllZeros(t *testing.T) {
	requireGPU(t)

	out, count, err := Compact(make([]int32, 17))
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, out)
}

// An input without zeros must come back unchanged.
func TestCompactNoZerosIdentity(t *testing.T) {
	requireGPU(t)

	rng := rand.New(rand.NewSource(7))
	input := make([]int32, 1000)
	for i := range input {
		input[i] = int32(rng.Intn(100) + 1)
	}

	out, count, err := Compact(input)
	require.NoError(t, err)
	require.Equal(t, len(input), count)
	require.Equal(t, input, out)
}

func TestCompactRandom(t *testing.T) {
	requireGPU(t)

	for _, n := range []int{1, 5, 63, 512, 513, 4096, 100000} {
		rng := rand.New(rand.NewSource(int64(n)))
		input := make([]int32, n)
		for i := range input {
			if rng.Intn(2) == 0 {
				input[i] = int32(rng.Intn(199) - 99)
			}
		}

		want := cpuCompact(input)
		out, count, err := Compact(input)
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, len(want), count, "n=%d", n)
		require.Equal(t, want, out, "n=%d", n)
	}
}

func TestCompactCountMatchesMask(t *testing.T) {
	requireGPU(t)

	input := []int32{0, 1, 0, 2, 0, 3, 0, 0, 4, 0}
	_, count, err := Compact(input)
	require.NoError(t, err)

	nonZero := 0
	for _, v := range input {
		if v != 0 {
			nonZero++
		}
	}
	require.Equal(t, nonZero, count)
}
