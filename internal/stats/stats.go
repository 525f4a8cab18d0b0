// Package stats aggregates latency samples per (query, backend).
package stats

import (
	"sort"
	"time"

	"github.com/basekick-labs/querybench/internal/bench"
)

// Summary holds latency statistics over the successful samples of one
// (query, backend) pair. When Available is false there were no successful
// samples and every latency field is meaningless; renderers must show the
// pair as unavailable rather than print zeros.
type Summary struct {
	Count     int // successful samples
	Failures  int
	Available bool

	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	Mean time.Duration
	Min  time.Duration
	Max  time.Duration

	// FailuresByCategory counts failed samples per error category.
	FailuresByCategory map[string]int
}

// Total is the number of attempts, successful or not.
func (s Summary) Total() int {
	return s.Count + s.Failures
}

// Aggregate computes a Summary. Failed samples are counted but excluded
// from every latency figure.
func Aggregate(samples []bench.Sample) Summary {
	var sum Summary
	latencies := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if !s.Success {
			sum.Failures++
			if sum.FailuresByCategory == nil {
				sum.FailuresByCategory = make(map[string]int)
			}
			sum.FailuresByCategory[string(s.Category)]++
			continue
		}
		latencies = append(latencies, s.Latency)
	}

	sum.Count = len(latencies)
	if sum.Count == 0 {
		return sum
	}
	sum.Available = true

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	sum.Mean = total / time.Duration(sum.Count)
	sum.Min = latencies[0]
	sum.Max = latencies[sum.Count-1]
	sum.P50 = Percentile(latencies, 50)
	sum.P95 = Percentile(latencies, 95)
	sum.P99 = Percentile(latencies, 99)
	return sum
}

// Percentile returns the nearest-rank percentile of an ascending slice: the
// element at 1-indexed rank ceil(p/100 * n), without interpolation.
// sorted must be non-empty.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[Rank(len(sorted), p)-1]
}

// Rank returns the 1-indexed nearest rank for percentile p over n values,
// clamped to [1, n].
func Rank(n int, p float64) int {
	// p*n first keeps integer percentiles exact: 95*20/100 is 19, not 19.000000000000004
	prod := p * float64(n)
	rank := int(prod / 100)
	if float64(rank)*100 < prod {
		rank++
	}
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return rank
}
