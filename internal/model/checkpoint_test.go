package model

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// testCheckpoint builds a small deterministic model. Weights come from a
// fixed linear congruential sequence so tests are reproducible.
func testCheckpoint(nCats, featDim, attnDim int) Checkpoint {
	seed := uint64(1)
	next := func() float64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		// Map to roughly [-0.5, 0.5].
		return float64(seed>>11)/float64(1<<53) - 0.5
	}
	mat := func(rows, cols int) [][]float64 {
		m := make([][]float64, rows)
		for i := range m {
			m[i] = make([]float64, cols)
			for j := range m[i] {
				m[i][j] = next()
			}
		}
		return m
	}
	vec := func(n int) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = next()
		}
		return v
	}

	cats := make([]string, nCats)
	for i := range cats {
		cats[i] = string(rune('A' + i))
	}
	return Checkpoint{
		Categories: cats,
		FeatDim:    featDim,
		AttnDim:    attnDim,
		AttnV:      mat(attnDim, featDim),
		AttnU:      mat(attnDim, featDim),
		AttnW:      vec(attnDim),
		HeadWeight: mat(nCats, featDim),
		HeadBias:   vec(nCats),
	}
}

func testBag(n, dim int) [][]float32 {
	bag := make([][]float32, n)
	for j := range bag {
		bag[j] = make([]float32, dim)
		for t := range bag[j] {
			bag[j][t] = float32(math.Sin(float64(j*dim+t+1)) * 0.8)
		}
	}
	return bag
}

func TestLoadCheckpoint_RoundTrip(t *testing.T) {
	ckpt := testCheckpoint(3, 4, 2)
	data, err := json.Marshal(ckpt)
	if err != nil {
		t.Fatalf("marshal checkpoint: %v", err)
	}
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	m, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if len(m.Categories()) != 3 {
		t.Errorf("got %d categories, want 3", len(m.Categories()))
	}
}

func TestLoadCheckpoint_BadShapes(t *testing.T) {
	ckpt := testCheckpoint(2, 4, 2)
	ckpt.AttnW = ckpt.AttnW[:1]
	if _, err := NewGatedAttentionMIL(ckpt); err == nil {
		t.Fatal("expected error for truncated attn_w")
	}

	ckpt = testCheckpoint(2, 4, 2)
	ckpt.Categories = ckpt.Categories[:1]
	if _, err := NewGatedAttentionMIL(ckpt); err == nil {
		t.Fatal("expected error for single category")
	}
}

func TestProbabilities_SumToOne(t *testing.T) {
	m, err := NewGatedAttentionMIL(testCheckpoint(3, 6, 4))
	if err != nil {
		t.Fatalf("build model: %v", err)
	}

	for _, n := range []int{1, 5, 17} {
		probs, err := m.Probabilities(testBag(n, 6))
		if err != nil {
			t.Fatalf("Probabilities(n=%d) failed: %v", n, err)
		}
		var sum float64
		for _, p := range probs {
			if p < 0 || p > 1 {
				t.Errorf("n=%d: probability %v out of range", n, p)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("n=%d: probabilities sum to %v, want 1", n, sum)
		}
	}
}

func TestProbabilities_BagShapeErrors(t *testing.T) {
	m, err := NewGatedAttentionMIL(testCheckpoint(2, 4, 2))
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	if _, err := m.Probabilities(nil); err == nil {
		t.Error("expected error for empty bag")
	}
	if _, err := m.Probabilities([][]float32{{1, 2}}); err == nil {
		t.Error("expected error for wrong feature dim")
	}
}

// TestProbabilityGradients_MatchesFiniteDifference checks the analytic
// backward pass against central differences.
func TestProbabilityGradients_MatchesFiniteDifference(t *testing.T) {
	m, err := NewGatedAttentionMIL(testCheckpoint(3, 5, 3))
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	bag := testBag(4, 5)

	grads, err := m.ProbabilityGradients(bag)
	if err != nil {
		t.Fatalf("ProbabilityGradients failed: %v", err)
	}
	if len(grads) != 3 || len(grads[0]) != 4 || len(grads[0][0]) != 5 {
		t.Fatalf("unexpected gradient shape: [%d][%d][%d]", len(grads), len(grads[0]), len(grads[0][0]))
	}

	const eps = 1e-3
	for j := 0; j < len(bag); j++ {
		for d := 0; d < 5; d++ {
			base := bag[j][d]
			hi := base + float32(eps)
			lo := base - float32(eps)

			bag[j][d] = hi
			pHi, err := m.Probabilities(bag)
			if err != nil {
				t.Fatalf("forward failed: %v", err)
			}
			bag[j][d] = lo
			pLo, err := m.Probabilities(bag)
			if err != nil {
				t.Fatalf("forward failed: %v", err)
			}
			bag[j][d] = base

			// Divide by the actual float32 step, not the nominal eps.
			step := float64(hi) - float64(lo)
			for c := 0; c < 3; c++ {
				numeric := (pHi[c] - pLo[c]) / step
				analytic := grads[c][j][d]
				if diff := math.Abs(numeric - analytic); diff > 1e-5+1e-3*math.Abs(analytic) {
					t.Errorf("grad[%d][%d][%d]: analytic %v vs numeric %v (diff %v)",
						c, j, d, analytic, numeric, diff)
				}
			}
		}
	}
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{1000, 1000, 1000})
	for _, v := range p {
		if math.Abs(v-1.0/3) > 1e-12 {
			t.Errorf("uniform large logits should give 1/3, got %v", v)
		}
	}

	p = Softmax([]float64{0, math.Inf(-1)})
	if math.Abs(p[0]-1) > 1e-12 || p[1] != 0 {
		t.Errorf("softmax with -inf logit: got %v", p)
	}
}
