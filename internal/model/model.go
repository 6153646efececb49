// Package model defines the boundary between the client core and the
// external model runtime (spec.md §1: "the model runtime... external; its
// only contract is the weights vector"). It also provides an in-memory
// reference implementation so cmd/client and the epoch-loop tests can run
// end-to-end without a real ML framework wired in.
package model

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// Runtime is the contract the epoch loop drives every round: install an
// aggregate, train locally for a bounded number of steps, and hand back
// serialized trainable weights.
type Runtime interface {
	// InitWeights returns the model's initial trainable weights, one
	// flat slice per layer. Captured once at startup by the caller and
	// reused whenever a peer bundle is empty (spec.md §3 "Lifecycles").
	InitWeights() [][]float64

	// LocalTrain runs steps rounds of local optimization, honoring any
	// poisoner hook wrapped around it by the caller.
	LocalTrain(ctx context.Context, steps int) error

	// SerializeWeights returns the model's current trainable weights in
	// the opaque wire container used by UpdateWeights requests.
	SerializeWeights() ([]byte, error)

	// DeserializeWeights parses the wire container produced by
	// SerializeWeights (or received from a peer) back into per-layer
	// vectors.
	DeserializeWeights([]byte) ([][]float64, error)

	// CurrentWeights returns the model's live weights without copying
	// ownership semantics guaranteed (callers must not mutate it).
	CurrentWeights() [][]float64

	// SetWeights replaces the model's live weights wholesale (used to
	// reset to the initial snapshot on an empty peer bundle).
	SetWeights([][]float64)
}

// Shape describes the fixed per-layer widths every peer bundle and local
// model must agree on (spec.md §3 "fixed shape for a given model").
type Shape []int

// InMemory is a reference Runtime over plain float64 slices. Its "local
// training" step is a deterministic pseudo-gradient (seeded from the
// client name) rather than real optimization — enough to drive the
// committer/epoch-loop machinery and to exercise the aggregator's
// numerical properties under test, without depending on a real tensor
// framework (spec.md Non-goals: "no model training implementation").
type InMemory struct {
	shape      Shape
	weights    [][]float64
	rng        *rand.Rand
	labelFlip  bool
	stepScale  float64
}

// NewInMemory builds a model with the given per-layer widths, all layers
// initialized to zero, seeded deterministically from seed so repeated
// runs against a mock replica are reproducible in tests.
func NewInMemory(shape Shape, seed int64, labelFlip bool) *InMemory {
	weights := make([][]float64, len(shape))
	for i, width := range shape {
		weights[i] = make([]float64, width)
	}
	return &InMemory{
		shape:     shape,
		weights:   weights,
		rng:       rand.New(rand.NewSource(seed)),
		labelFlip: labelFlip,
		stepScale: 0.01,
	}
}

func (m *InMemory) InitWeights() [][]float64 {
	out := make([][]float64, len(m.shape))
	for i, width := range m.shape {
		out[i] = make([]float64, width)
	}
	return out
}

// LocalTrain nudges every weight by a small pseudo-gradient step. The
// label-flip attack (spec.md §9 Open Question) is modeled here as a sign
// flip on the synthetic gradient, standing in for "flip y to ymax-y+ymin"
// on a real dataset loader that is out of scope for this client core.
func (m *InMemory) LocalTrain(ctx context.Context, steps int) error {
	sign := 1.0
	if m.labelFlip {
		sign = -1.0
	}
	for s := 0; s < steps; s++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, layer := range m.weights {
			for j := range layer {
				layer[j] += sign * m.stepScale * m.rng.NormFloat64()
			}
		}
	}
	return nil
}

func (m *InMemory) CurrentWeights() [][]float64 { return m.weights }

func (m *InMemory) SetWeights(w [][]float64) { m.weights = w }

// SerializeWeights packs the layers into a simple length-prefixed
// float64 container: uint32 layer count, then per layer a uint32 width
// followed by big-endian float64 values. This is the "implementation-
// defined container" spec.md §3 allows for the serialized weights form;
// the real system would use whatever array archive its ML framework
// exports.
func (m *InMemory) SerializeWeights() ([]byte, error) {
	return encodeWeights(m.weights), nil
}

func (m *InMemory) DeserializeWeights(data []byte) ([][]float64, error) {
	return decodeWeights(data)
}

func encodeWeights(layers [][]float64) []byte {
	var buf []byte
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(layers)))
	buf = append(buf, hdr[:]...)
	for _, layer := range layers {
		var w [4]byte
		binary.BigEndian.PutUint32(w[:], uint32(len(layer)))
		buf = append(buf, w[:]...)
		for _, v := range layer {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

func decodeWeights(data []byte) ([][]float64, error) {
	if len(data) < 4 {
		if len(data) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("model: truncated weights container")
	}
	numLayers := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	layers := make([][]float64, numLayers)
	for i := range layers {
		if len(data) < 4 {
			return nil, fmt.Errorf("model: truncated layer header")
		}
		width := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		layer := make([]float64, width)
		for j := range layer {
			if len(data) < 8 {
				return nil, fmt.Errorf("model: truncated layer values")
			}
			layer[j] = math.Float64frombits(binary.BigEndian.Uint64(data[:8]))
			data = data[8:]
		}
		layers[i] = layer
	}
	return layers, nil
}
