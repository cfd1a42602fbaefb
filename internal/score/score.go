// Package score turns per-tile category probabilities and attribution into
// the signed competitive support signal the heatmaps visualize.
package score

import (
	"fmt"
	"sort"
)

// Result holds the per-tile outputs of competitive scoring for one category.
type Result struct {
	// Support is the signed probability margin: positive when the category
	// beats its nearest competitor on that tile, negative when another
	// category wins.
	Support []float64
	// Attention is the attribution-derived significance weight, >= 0,
	// normalized so its maximum is 1 (per branch, see Compute).
	Attention []float64
	// Score is Support gated by normalized Attention; the rendered value.
	Score []float64
}

// top2 returns the indices of the two highest values with ties broken toward
// the lower index, so scoring is deterministic when probabilities tie.
func top2(row []float64) (int, int) {
	first, second := -1, -1
	for i, v := range row {
		switch {
		case first < 0 || v > row[first]:
			second = first
			first = i
		case second < 0 || v > row[second]:
			second = i
		}
	}
	return first, second
}

// Compute derives the competitive score for category c.
//
// Support is `scores[t][c] - runnerUp` when c wins tile t, otherwise
// `scores[t][c] - winner`: the margin over the nearest competitor, negative
// when c loses. Attention uses the attribution of whichever category wins
// the tile, with the winning and losing branches normalized separately
// (the winning branch against the global attribution maximum, the losing
// branch against the maximum over the other categories), keeping the two
// regimes visually comparable. The final score gates support by attention
// so low-evidence tiles fade out; a tile is visible iff its attention > 0.
func Compute(scores, gradcam [][]float64, c int) (*Result, error) {
	n := len(scores)
	if n == 0 {
		return nil, fmt.Errorf("no tiles to score")
	}
	if len(gradcam) != n {
		return nil, fmt.Errorf("scores (%d) and gradcam (%d) must be parallel", n, len(gradcam))
	}
	nCats := len(scores[0])
	if c < 0 || c >= nCats {
		return nil, fmt.Errorf("category %d out of range (%d categories)", c, nCats)
	}
	if nCats < 2 {
		return nil, fmt.Errorf("competitive scoring needs at least 2 categories, got %d", nCats)
	}

	res := &Result{
		Support:   make([]float64, n),
		Attention: make([]float64, n),
		Score:     make([]float64, n),
	}

	// Branch normalizers over all tiles.
	var globalMax, othersMax float64
	for t := 0; t < n; t++ {
		if len(gradcam[t]) != nCats {
			return nil, fmt.Errorf("gradcam row %d has %d categories, expected %d", t, len(gradcam[t]), nCats)
		}
		for k := 0; k < nCats; k++ {
			if gradcam[t][k] > globalMax {
				globalMax = gradcam[t][k]
			}
			if k != c && gradcam[t][k] > othersMax {
				othersMax = gradcam[t][k]
			}
		}
	}

	for t := 0; t < n; t++ {
		if len(scores[t]) != nCats {
			return nil, fmt.Errorf("scores row %d has %d categories, expected %d", t, len(scores[t]), nCats)
		}
		top1, top2Idx := top2(scores[t])

		if top1 == c {
			res.Support[t] = scores[t][c] - scores[t][top2Idx]
			if globalMax > 0 {
				res.Attention[t] = gradcam[t][c] / globalMax
			}
		} else {
			res.Support[t] = scores[t][c] - scores[t][top1]
			var best float64
			for k := 0; k < nCats; k++ {
				if k != c && gradcam[t][k] > best {
					best = gradcam[t][k]
				}
			}
			if othersMax > 0 {
				res.Attention[t] = best / othersMax
			}
		}
	}

	var attnMax float64
	for _, a := range res.Attention {
		if a > attnMax {
			attnMax = a
		}
	}
	if attnMax > 0 {
		for t := 0; t < n; t++ {
			res.Score[t] = res.Support[t] * res.Attention[t] / attnMax
		}
	}

	return res, nil
}

// TopIndices returns the indices of the k largest values, descending.
// k is clamped to len(values).
func TopIndices(values []float64, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] > values[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	if k < 0 {
		k = 0
	}
	return idx[:k]
}

// BottomIndices returns the indices of the k smallest values, ascending.
func BottomIndices(values []float64, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	if k < 0 {
		k = 0
	}
	return idx[:k]
}

// ArgmaxPerTile returns each tile's winning category index, ties broken
// toward the lower index.
func ArgmaxPerTile(scores [][]float64) []int {
	out := make([]int, len(scores))
	for t, row := range scores {
		best, _ := top2(row)
		out[t] = best
	}
	return out
}
