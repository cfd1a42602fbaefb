// Package model defines the classifier interface the heatmap pipeline
// consumes and its concrete backends. The pipeline never depends on a
// specific architecture: it needs per-bag category probabilities, and, for
// attribution, the gradient of those probabilities with respect to the tile
// features.
package model

import (
	"math"
)

// Classifier produces category probabilities for a bag of tile features.
// The bag length is len(bag); a single-tile bag scores one tile in isolation.
type Classifier interface {
	// Categories returns the ordered human-readable category labels.
	Categories() []string
	// Probabilities runs the bag through the model and returns softmax
	// probabilities, one per category, summing to 1.
	Probabilities(bag [][]float32) ([]float64, error)
}

// Differentiable is implemented by backends that can compute exact
// probability gradients. Backends without it fall back to numerical
// differentiation in the attribution engine.
type Differentiable interface {
	Classifier
	// ProbabilityGradients returns d p[cat] / d bag[tile][dim] with the full
	// bag as context, shape [num_categories][num_tiles][feature_dim].
	ProbabilityGradients(bag [][]float32) ([][][]float64, error)
}

// Softmax returns the numerically stable softmax of logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}

	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
