// Package sieve provides GPU-accelerated prefix sums and stream compaction
// over int32 sequences, built on WebGPU compute shaders.
//
// Scan computes a work-efficient exclusive prefix sum; Compact uses it to
// drop zero-valued elements while preserving the order of the rest. Both
// operations are transient: every device buffer and pipeline they acquire is
// released before they return, and no state is shared across calls beyond
// the process-wide device context.
package sieve
