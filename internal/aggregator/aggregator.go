// Package aggregator implements the robust aggregation rules clients use
// to combine peer weight updates into a single delta: FedAvg, coordinate-
// wise median, trimmed mean, and (Multi-)Krum. The numerical semantics
// here are ported directly from the original Python implementation's
// defl/aggregator.py (no corpus example repo performs statistical
// aggregation, so this package is grounded on the original source rather
// than on the teacher; see DESIGN.md) — sort.Float64s/math from the
// standard library are sufficient and no third-party statistics package
// in the example corpus does anything a hand-written coordinate sort
// doesn't already do.
package aggregator

import (
	"fmt"
	"sort"
)

// Kind selects which aggregation rule Aggregate uses.
type Kind string

const (
	KindMean        Kind = "fedavg"
	KindMedian      Kind = "median"
	KindTrimmedMean Kind = "trimmed_mean"
	KindKrum        Kind = "krum"
	KindMultiKrum   Kind = "multikrum"
)

// Aggregator buffers one peer's weights per layer across add() calls and
// reduces them to a single delta on Aggregate. It is single-threaded: the
// epoch loop is its only caller, matching spec.md's "single-threaded
// access by the epoch loop" invariant.
type Aggregator struct {
	kind Kind
	m    int // Multi-Krum selection size; 1 for plain Krum.

	// layers[i] holds one []float64 per peer for layer i, in arrival
	// order. All peers must contribute the same number of layers and
	// matching per-layer lengths.
	layers [][][]float64
}

// New returns an Aggregator of the given kind. m is only meaningful for
// KindMultiKrum (the number of closest peers to average); KindKrum is
// equivalent to KindMultiKrum with m=1.
func New(kind Kind, m int) *Aggregator {
	if kind == KindKrum {
		m = 1
		kind = KindMultiKrum
	}
	if m < 1 {
		m = 1
	}
	return &Aggregator{kind: kind, m: m}
}

// Kind returns the aggregation rule this Aggregator was constructed with.
func (a *Aggregator) Kind() Kind { return a.kind }

// Clear resets the buffer. Called automatically after Aggregate returns.
func (a *Aggregator) Clear() {
	a.layers = nil
}

// NumPeers returns how many peers have been added since the last Clear.
func (a *Aggregator) NumPeers() int {
	if len(a.layers) == 0 {
		return 0
	}
	return len(a.layers[0])
}

// Add appends one peer's per-layer weight vectors. Every call after the
// first must supply the same number of layers and matching per-layer
// lengths as prior calls (the peer bundle invariant from spec.md §3).
func (a *Aggregator) Add(weights [][]float64) error {
	if len(a.layers) == 0 {
		a.layers = make([][][]float64, len(weights))
	}
	if len(weights) != len(a.layers) {
		return fmt.Errorf("aggregator: expected %d layers, got %d", len(a.layers), len(weights))
	}
	for i, layer := range weights {
		if len(a.layers[i]) > 0 && len(a.layers[i][0]) != len(layer) {
			return fmt.Errorf("aggregator: layer %d shape mismatch: expected %d, got %d", i, len(a.layers[i][0]), len(layer))
		}
		cp := make([]float64, len(layer))
		copy(cp, layer)
		a.layers[i] = append(a.layers[i], cp)
	}
	return nil
}

// Aggregate reduces the buffered peer weights into a single per-layer
// delta, tolerating up to f Byzantine peers, then clears the buffer. The
// caller (the epoch loop) must not call Aggregate on an empty buffer; it
// instead falls back to the initial snapshot per spec.md §4.4 step 4.
func (a *Aggregator) Aggregate(f int) ([][]float64, error) {
	defer a.Clear()

	if a.NumPeers() == 0 {
		return nil, fmt.Errorf("aggregator: aggregate called with no buffered peers")
	}

	switch a.kind {
	case KindMean:
		return aggregateMean(a.layers), nil
	case KindMedian:
		return aggregateMedian(a.layers), nil
	case KindTrimmedMean:
		return aggregateTrimmedMean(a.layers, f), nil
	case KindMultiKrum:
		return aggregateMultiKrum(a.layers, f, a.m)
	default:
		return nil, fmt.Errorf("aggregator: unknown kind %q", a.kind)
	}
}

func aggregateMean(layers [][][]float64) [][]float64 {
	out := make([][]float64, len(layers))
	for i, layer := range layers {
		n := len(layer)
		sum := make([]float64, len(layer[0]))
		for _, peer := range layer {
			for j, v := range peer {
				sum[j] += v
			}
		}
		for j := range sum {
			sum[j] /= float64(n)
		}
		out[i] = sum
	}
	return out
}

func aggregateMedian(layers [][][]float64) [][]float64 {
	out := make([][]float64, len(layers))
	for i, layer := range layers {
		n := len(layer)
		width := len(layer[0])
		result := make([]float64, width)
		column := make([]float64, n)
		for j := 0; j < width; j++ {
			for p := 0; p < n; p++ {
				column[p] = layer[p][j]
			}
			sort.Float64s(column)
			result[j] = median(column)
		}
		out[i] = result
	}
	return out
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// aggregateTrimmedMean mirrors defl/aggregator.py's TrimmedMeanAggregator
// exactly: exclusions = round(2*beta*n) with beta=f/n, split the low/high
// trim as evenly as possible, widen the window by one if the clamp made
// it degenerate, then mean the survivors per coordinate.
func aggregateTrimmedMean(layers [][][]float64, f int) [][]float64 {
	n := len(layers[0])
	beta := float64(f) / float64(n)
	exclusions := int(roundHalfAwayFromZero(2 * beta * float64(n)))

	low := exclusions / 2
	high := exclusions / 2
	if exclusions%2 != 0 {
		high++
	}
	high = n - high
	if low == high {
		high = min(n, high+1)
	}
	if low > high {
		// More exclusions than peers: the trim window collapsed past
		// zero width. Clamp to an empty window (mirrors numpy's
		// a[low:high] with low>high rather than panicking on the Go
		// slice bounds check) instead of crashing the client process.
		low = high
	}

	out := make([][]float64, len(layers))
	for i, layer := range layers {
		width := len(layer[0])
		result := make([]float64, width)
		column := make([]float64, n)
		for j := 0; j < width; j++ {
			for p := 0; p < n; p++ {
				column[p] = layer[p][j]
			}
			sort.Float64s(column)
			survivors := column[low:high]
			var sum float64
			for _, v := range survivors {
				sum += v
			}
			result[j] = sum / float64(len(survivors))
		}
		out[i] = result
	}
	return out
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

// aggregateMultiKrum mirrors defl/aggregator.py's MultiKrumAggregator:
// flatten each peer into one vector, sum its k+1 smallest pairwise
// squared-Euclidean distances (including the zero self-distance), sort
// peers ascending by that score, average the top m peers' per-layer
// tensors (not the flattened vectors).
func aggregateMultiKrum(layers [][][]float64, f, m int) ([][]float64, error) {
	n := len(layers[0])
	k := n - f - 2
	if k < 1 {
		k = 1
	}
	if k+1 > n {
		k = n - 1
	}

	flattened := make([][]float64, n)
	for p := 0; p < n; p++ {
		var vec []float64
		for _, layer := range layers {
			vec = append(vec, layer[p]...)
		}
		flattened[p] = vec
	}

	distances := make([][]float64, n)
	for i := range distances {
		distances[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := squaredEuclidean(flattened[i], flattened[j])
			distances[i][j] = d
			distances[j][i] = d
		}
	}

	type scored struct {
		index int
		score float64
	}
	scores := make([]scored, n)
	for i := 0; i < n; i++ {
		row := make([]float64, n)
		copy(row, distances[i])
		sort.Float64s(row)
		var sum float64
		for _, d := range row[:k+1] {
			sum += d
		}
		scores[i] = scored{index: i, score: sum}
	}
	// Stable sort ascending by score, ties broken by ascending client
	// index (sort.SliceStable preserves the original index order on
	// ties since scores were built in index order).
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score < scores[j].score })

	if m > n {
		m = n
	}
	chosen := make([]int, m)
	for i := 0; i < m; i++ {
		chosen[i] = scores[i].index
	}

	out := make([][]float64, len(layers))
	for li, layer := range layers {
		width := len(layer[0])
		sum := make([]float64, width)
		for _, idx := range chosen {
			for j, v := range layer[idx] {
				sum[j] += v
			}
		}
		for j := range sum {
			sum[j] /= float64(len(chosen))
		}
		out[li] = sum
	}
	return out, nil
}

func squaredEuclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
