// Package attr computes per-tile, per-category gradient attribution.
package attr

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/slide-maps/heatmaps/internal/model"
)

// fdEps is the finite-difference step for non-differentiable backends.
const fdEps = 1e-3

// GradCAM returns a gradient × input attribution of shape
// [num_tiles][num_categories], all entries >= 0: for each tile, its feature
// vector is multiplied elementwise by the gradient of each category
// probability with respect to that tile (full bag as context), averaged over
// the feature dimension, absolute value taken.
//
// Differentiable backends provide exact gradients in a handful of backward
// passes. Anything else falls back to central finite differences, which
// costs two forward passes per tile and feature and is only practical for
// small bags.
func GradCAM(c model.Classifier, bag [][]float32) ([][]float64, error) {
	if len(bag) == 0 {
		return nil, fmt.Errorf("empty bag")
	}

	var grads [][][]float64
	var err error
	if d, ok := c.(model.Differentiable); ok {
		grads, err = d.ProbabilityGradients(bag)
	} else {
		grads, err = finiteDifferenceGradients(c, bag)
	}
	if err != nil {
		return nil, err
	}

	nCats := len(c.Categories())
	if len(grads) != nCats {
		return nil, fmt.Errorf("backend produced %d gradient maps, expected %d", len(grads), nCats)
	}

	dim := len(bag[0])
	out := make([][]float64, len(bag))
	for j := range bag {
		row := make([]float64, nCats)
		for cat := 0; cat < nCats; cat++ {
			var sum float64
			for t := 0; t < dim; t++ {
				sum += float64(bag[j][t]) * grads[cat][j][t]
			}
			row[cat] = math.Abs(sum / float64(dim))
		}
		out[j] = row
	}
	return out, nil
}

// finiteDifferenceGradients estimates d p[cat] / d bag[tile][dim] by central
// differences. Tiles are independent and processed concurrently; each worker
// perturbs its own copy of the bag.
func finiteDifferenceGradients(c model.Classifier, bag [][]float32) ([][][]float64, error) {
	n := len(bag)
	dim := len(bag[0])
	nCats := len(c.Categories())

	grads := make([][][]float64, nCats)
	for cat := range grads {
		grads[cat] = make([][]float64, n)
		for j := range grads[cat] {
			grads[cat][j] = make([]float64, dim)
		}
	}

	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}

	// Buffered and pre-filled so early worker exits cannot block the feed.
	tiles := make(chan int, n)
	for j := 0; j < n; j++ {
		tiles <- j
	}
	close(tiles)

	var wg sync.WaitGroup
	errOnce := sync.Once{}
	var firstErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Per-worker bag copy; only one tile row is ever perturbed.
			local := make([][]float32, n)
			for j := range bag {
				row := make([]float32, dim)
				copy(row, bag[j])
				local[j] = row
			}

			for j := range tiles {
				for t := 0; t < dim; t++ {
					base := local[j][t]
					hi := base + float32(fdEps)
					lo := base - float32(fdEps)

					local[j][t] = hi
					pHi, err := c.Probabilities(local)
					if err == nil {
						local[j][t] = lo
						var pLo []float64
						pLo, err = c.Probabilities(local)
						if err == nil {
							step := float64(hi) - float64(lo)
							for cat := 0; cat < nCats; cat++ {
								grads[cat][j][t] = (pHi[cat] - pLo[cat]) / step
							}
						}
					}
					local[j][t] = base
					if err != nil {
						errOnce.Do(func() { firstErr = err })
						return
					}
				}
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return grads, nil
}

// TileProbabilities scores each tile in isolation: tile j's row is the
// classifier output for a single-tile bag holding only tile j. Workers
// bound concurrency; results are collected in tile order.
func TileProbabilities(c model.Classifier, bag [][]float32, workers int) ([][]float64, error) {
	n := len(bag)
	if n == 0 {
		return nil, fmt.Errorf("empty bag")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	out := make([][]float64, n)
	tiles := make(chan int, n)
	for j := 0; j < n; j++ {
		tiles <- j
	}
	close(tiles)

	var wg sync.WaitGroup
	errOnce := sync.Once{}
	var firstErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range tiles {
				probs, err := c.Probabilities(bag[j : j+1])
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				out[j] = probs
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
