package sieve

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfluke/sieve/gpu"
)

// requireGPU skips the test when no WebGPU adapter is available (e.g. CI).
func requireGPU(t *testing.T) {
	t.Helper()
	if err := gpu.EnsureGPU(); err != nil {
		t.Skipf("GPU not available (expected on CI): %v", err)
	}
}

// cpuExclusiveScan is the reference the GPU results are checked against.
func cpuExclusiveScan(input []int32) []int32 {
	out := make([]int32, len(input))
	var sum int32
	for i, v := range input {
		out[i] = sum
		sum += v
	}
	return out
}

func randomInput(n int, seed int64) []int32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(rng.Intn(201) - 100)
	}
	return out
}

func TestScanEmpty(t *testing.T) {
	out, err := Scan([]int32{})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestScanKnownSequences(t *testing.T) {
	requireGPU(t)

	tests := []struct {
		name  string
		input []int32
		want  []int32
	}{
		{"sparse", []int32{1, 0, 0, 3, 0, 1}, []int32{0, 1, 1, 1, 4, 4}},
		{"single zero", []int32{0}, []int32{0}},
		{"single value", []int32{5}, []int32{0}},
		{"power of two", []int32{4, 2, 1, 6, 5, 1, 3, 2}, []int32{0, 4, 6, 7, 13, 18, 19, 22}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Scan(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestScanNonPowerOfTwoSizes(t *testing.T) {
	requireGPU(t)

	for _, n := range []int{1, 2, 3, 5, 7, 31, 33, 100, 255, 511, 513, 1000} {
		input := randomInput(n, int64(n))
		got, err := Scan(input)
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, cpuExclusiveScan(input), got, "n=%d", n)
	}
}

// Sizes past one tile exercise the hierarchical path: per-tile scans, the
// recursive scan of tile totals, and the offset broadcast.
func TestScanMultiTile(t *testing.T) {
	requireGPU(t)

	for _, n := range []int{512, 513, 1024, 4096, 65536, 100000, 1 << 20} {
		input := randomInput(n, int64(n))
		got, err := Scan(input)
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, cpuExclusiveScan(input), got, "n=%d", n)
	}
}

func TestScanNegativeValues(t *testing.T) {
	requireGPU(t)

	input := []int32{-3, 7, -1, 0, -5, 2, 9, -4, 1}
	got, err := Scan(input)
	require.NoError(t, err)
	require.Equal(t, cpuExclusiveScan(input), got)
}

func TestScanWorkgroupSizeOption(t *testing.T) {
	requireGPU(t)

	input := randomInput(1000, 42)
	want := cpuExclusiveScan(input)

	for _, wg := range []uint32{32, 64, 128} {
		got, err := Scan(input, WithWorkgroupSize(wg))
		require.NoError(t, err, "wg=%d", wg)
		require.Equal(t, want, got, "wg=%d", wg)
	}
}

func TestScanRejectsInvalidWorkgroupSize(t *testing.T) {
	requireGPU(t)

	for _, wg := range []uint32{3, 100, 1 << 24} {
		_, err := Scan([]int32{1, 2, 3}, WithWorkgroupSize(wg))
		var invalid *ErrInvalidWorkgroupSize
		require.ErrorAs(t, err, &invalid, "wg=%d", wg)
		require.Equal(t, wg, invalid.Size)
	}
}

func TestScanFirstElementIsZero(t *testing.T) {
	requireGPU(t)

	for _, n := range []int{1, 9, 300} {
		got, err := Scan(randomInput(n, int64(n)+7))
		require.NoError(t, err)
		require.Zero(t, got[0], "n=%d", n)
	}
}

func TestErrInputTooLargeMessage(t *testing.T) {
	err := &ErrInputTooLarge{Elements: 10, Limit: 8, Reason: "workgroups per dispatch"}
	require.Contains(t, err.Error(), "10")
	require.Contains(t, err.Error(), "workgroups per dispatch")

	var target *ErrInputTooLarge
	require.True(t, errors.As(err, &target))
}
