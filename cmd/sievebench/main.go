package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/montanaflynn/stats"

	"github.com/openfluke/sieve"
	"github.com/openfluke/sieve/gpu"
)

func main() {
	var n = flag.Int("n", 1<<20, "Number of elements")
	var iters = flag.Int("i", 20, "Iterations per benchmark")
	var zeroFrac = flag.Float64("z", 0.5, "Approximate fraction of zero elements")
	var wgSize = flag.Uint("wg", 0, "Workgroup size override (0 = device default)")
	var verbose = flag.Bool("v", false, "Verbose device tracing")
	flag.Parse()

	gpu.Debug = *verbose
	if err := gpu.EnsureGPU(); err != nil {
		log.Fatalf("GPU unavailable: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	input := make([]int32, *n)
	for i := range input {
		if rng.Float64() >= *zeroFrac {
			input[i] = int32(rng.Intn(200) - 100)
		}
	}

	var opts []sieve.Option
	if *wgSize > 0 {
		opts = append(opts, sieve.WithWorkgroupSize(uint32(*wgSize)))
	}

	log.Printf("Benchmarking %d elements (%s), %d iterations", *n,
		bytefmt.ByteSize(uint64(*n)*4), *iters)

	benchScan(input, *iters, opts)
	benchCompact(input, *iters, opts)
}

func benchScan(input []int32, iters int, opts []sieve.Option) {
	// Verify once against a CPU reference before timing.
	out, err := sieve.Scan(input, opts...)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	var sum int32
	for i, v := range input {
		if out[i] != sum {
			log.Fatalf("Scan mismatch at %d: got %d, want %d", i, out[i], sum)
		}
		sum += v
	}

	samples := make(stats.Float64Data, 0, iters)
	for i := 0; i < iters; i++ {
		start := time.Now()
		if _, err := sieve.Scan(input, opts...); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		samples = append(samples, float64(time.Since(start).Microseconds()))
	}
	report("scan", samples, uint64(len(input))*4)
}

func benchCompact(input []int32, iters int, opts []sieve.Option) {
	out, count, err := sieve.Compact(input, opts...)
	if err != nil {
		log.Fatalf("Compact failed: %v", err)
	}
	kept := 0
	for _, v := range input {
		if v != 0 {
			if out[kept] != v {
				log.Fatalf("Compact mismatch at slot %d: got %d, want %d", kept, out[kept], v)
			}
			kept++
		}
	}
	if kept != count {
		log.Fatalf("Compact count mismatch: got %d, want %d", count, kept)
	}

	samples := make(stats.Float64Data, 0, iters)
	for i := 0; i < iters; i++ {
		start := time.Now()
		if _, _, err := sieve.Compact(input, opts...); err != nil {
			log.Fatalf("Compact failed: %v", err)
		}
		samples = append(samples, float64(time.Since(start).Microseconds()))
	}
	report("compact", samples, uint64(len(input))*4)
}

func report(name string, samples stats.Float64Data, bytes uint64) {
	mean, err := samples.Mean()
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	p50, _ := samples.Percentile(50)
	p99, _ := samples.Percentile(99)

	throughput := "n/a"
	if mean > 0 {
		perSec := float64(bytes) / (mean / 1e6)
		throughput = bytefmt.ByteSize(uint64(perSec)) + "/s"
	}
	fmt.Printf("%-8s mean=%.0fus p50=%.0fus p99=%.0fus throughput=%s\n",
		name, mean, p50, p99, throughput)
}
