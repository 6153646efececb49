// Package poison implements the weight-poisoning hooks the epoch loop can
// wrap around a local training step, ported from the original
// defl/weightpoisoner.py Keras callback (a tf.keras.callbacks.Callback
// subclass that captures weights before/after training and transforms the
// implied gradient). There is no Keras callback system in Go, so the
// before/after capture that Python does via on_train_begin/on_train_end
// is reimplemented here as an explicit Wrap function around
// model.Runtime.LocalTrain.
package poison

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/defl-net/client/internal/model"
)

// Poisoner transforms the implied gradient (new - old weights) of a local
// training step before it is added back onto the pre-training snapshot.
type Poisoner interface {
	Poison(gradient [][]float64) [][]float64
	Name() string
}

// None performs no transformation; it is the default hook when a client
// is not configured as an attacker.
type None struct{}

func (None) Poison(gradient [][]float64) [][]float64 { return gradient }
func (None) Name() string                            { return "none" }

// GaussianNoise adds iid N(0, std^2) noise to every gradient coordinate.
type GaussianNoise struct {
	Std float64
	rng *rand.Rand
}

// NewGaussianNoise builds a Gaussian-noise poisoner seeded from seed so
// tests are reproducible.
func NewGaussianNoise(std float64, seed int64) *GaussianNoise {
	return &GaussianNoise{Std: std, rng: rand.New(rand.NewSource(seed))}
}

func (p *GaussianNoise) Poison(gradient [][]float64) [][]float64 {
	out := make([][]float64, len(gradient))
	for i, layer := range gradient {
		o := make([]float64, len(layer))
		for j, g := range layer {
			o[j] = g + p.rng.NormFloat64()*p.Std
		}
		out[i] = o
	}
	return out
}

func (p *GaussianNoise) Name() string { return "gaussian_noise" }

// SignFlip scales every gradient coordinate by sigma. A negative sigma
// flips the update's direction; the Python original warns against a
// positive sigma since that is not an attack.
type SignFlip struct {
	Sigma float64
}

func (p SignFlip) Poison(gradient [][]float64) [][]float64 {
	out := make([][]float64, len(gradient))
	for i, layer := range gradient {
		o := make([]float64, len(layer))
		for j, g := range layer {
			o[j] = p.Sigma * g
		}
		out[i] = o
	}
	return out
}

func (p SignFlip) Name() string { return "sign_flip" }

// SameValue replaces every gradient coordinate with a constant, collapsing
// the client's contribution to a fixed vector regardless of what it
// actually trained.
type SameValue struct {
	Value float64
}

func (p SameValue) Poison(gradient [][]float64) [][]float64 {
	out := make([][]float64, len(gradient))
	for i, layer := range gradient {
		o := make([]float64, len(layer))
		for j := range layer {
			o[j] = p.Value
		}
		out[i] = o
	}
	return out
}

func (p SameValue) Name() string { return "same_value" }

// Wrap runs steps rounds of rt.LocalTrain, then replaces rt's post-training
// weights with old + p.Poison(new - old), mirroring WeightPoisoner's
// on_train_begin/on_train_end capture in the Python original. old and new
// must share the same layer shapes as rt.CurrentWeights().
func Wrap(ctx context.Context, rt model.Runtime, steps int, p Poisoner) error {
	old := cloneWeights(rt.CurrentWeights())

	if err := rt.LocalTrain(ctx, steps); err != nil {
		return fmt.Errorf("poison: local train: %w", err)
	}

	newWeights := rt.CurrentWeights()
	gradient := make([][]float64, len(newWeights))
	for i, layer := range newWeights {
		g := make([]float64, len(layer))
		for j, v := range layer {
			g[j] = v - old[i][j]
		}
		gradient[i] = g
	}

	poisoned := p.Poison(gradient)

	result := make([][]float64, len(old))
	for i, layer := range old {
		r := make([]float64, len(layer))
		for j, v := range layer {
			r[j] = v + poisoned[i][j]
		}
		result[i] = r
	}
	rt.SetWeights(result)
	return nil
}

func cloneWeights(w [][]float64) [][]float64 {
	out := make([][]float64, len(w))
	for i, layer := range w {
		o := make([]float64, len(layer))
		copy(o, layer)
		out[i] = o
	}
	return out
}
