package score

import (
	"math"
	"reflect"
	"testing"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestCompute_WinningTileMargin(t *testing.T) {
	scores := [][]float64{
		{0.7, 0.2, 0.1}, // category 0 wins
		{0.1, 0.6, 0.3}, // category 1 wins
	}
	gradcam := [][]float64{
		{0.8, 0.1, 0.1},
		{0.2, 0.4, 0.1},
	}
	res, err := Compute(scores, gradcam, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Tile 0: category 0 wins, margin over runner-up (0.2).
	if !almost(res.Support[0], 0.5) {
		t.Errorf("support[0] = %v, want 0.5", res.Support[0])
	}
	// Tile 1: category 1 wins, margin is negative against the winner.
	if !almost(res.Support[1], 0.1-0.6) {
		t.Errorf("support[1] = %v, want -0.5", res.Support[1])
	}

	// Winning branch normalizes by the global attribution max (0.8).
	if !almost(res.Attention[0], 1.0) {
		t.Errorf("attention[0] = %v, want 1", res.Attention[0])
	}
	// Losing branch: best non-target attribution (0.4) over the max of the
	// other-category submatrix (0.4).
	if !almost(res.Attention[1], 1.0) {
		t.Errorf("attention[1] = %v, want 1", res.Attention[1])
	}

	for i := range res.Score {
		want := res.Support[i] * res.Attention[i]
		if !almost(res.Score[i], want) {
			t.Errorf("score[%d] = %v, want %v", i, res.Score[i], want)
		}
	}
}

func TestCompute_BranchNormalization(t *testing.T) {
	scores := [][]float64{
		{0.9, 0.05, 0.05},
		{0.9, 0.05, 0.05},
		{0.1, 0.8, 0.1},
	}
	gradcam := [][]float64{
		{0.5, 0.0, 0.0},
		{1.0, 0.0, 0.0}, // global max lives in the target column
		{0.0, 0.25, 0.5},
	}
	res, err := Compute(scores, gradcam, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(res.Attention[0], 0.5) || !almost(res.Attention[1], 1.0) {
		t.Errorf("winning attention = %v, %v; want 0.5, 1", res.Attention[0], res.Attention[1])
	}
	// Losing tile 2: best non-target value is 0.5, othersMax is 0.5.
	if !almost(res.Attention[2], 1.0) {
		t.Errorf("losing attention = %v, want 1", res.Attention[2])
	}
}

func TestCompute_ZeroAttributionHidesTiles(t *testing.T) {
	scores := [][]float64{
		{0.6, 0.4},
		{0.3, 0.7},
	}
	gradcam := [][]float64{
		{0.0, 0.0},
		{0.0, 0.0},
	}
	res, err := Compute(scores, gradcam, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := range res.Score {
		if res.Attention[i] != 0 || res.Score[i] != 0 {
			t.Errorf("tile %d: attention=%v score=%v, want both 0", i, res.Attention[i], res.Score[i])
		}
	}
}

func TestCompute_TieBreaksTowardLowerIndex(t *testing.T) {
	scores := [][]float64{{0.5, 0.5}}
	gradcam := [][]float64{{1.0, 1.0}}

	// Category 0 is treated as the winner of the tied tile.
	res0, err := Compute(scores, gradcam, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(res0.Support[0], 0) {
		t.Errorf("support for tied winner = %v, want 0", res0.Support[0])
	}
	res1, err := Compute(scores, gradcam, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(res1.Support[0], 0) {
		t.Errorf("support for tied loser = %v, want 0", res1.Support[0])
	}
	if got := ArgmaxPerTile(scores); got[0] != 0 {
		t.Errorf("argmax of tied row = %d, want 0", got[0])
	}
}

func TestCompute_Validation(t *testing.T) {
	if _, err := Compute(nil, nil, 0); err == nil {
		t.Error("expected error for empty input")
	}
	scores := [][]float64{{0.6, 0.4}}
	if _, err := Compute(scores, [][]float64{}, 0); err == nil {
		t.Error("expected error for mismatched gradcam length")
	}
	if _, err := Compute(scores, [][]float64{{1, 0}}, 5); err == nil {
		t.Error("expected error for out-of-range category")
	}
	if _, err := Compute([][]float64{{1.0}}, [][]float64{{1.0}}, 0); err == nil {
		t.Error("expected error for a single category")
	}
}

func TestTopBottomIndices(t *testing.T) {
	vals := []float64{0.3, -0.5, 0.9, 0.0, 0.9}

	if got := TopIndices(vals, 3); !reflect.DeepEqual(got, []int{2, 4, 0}) {
		t.Errorf("TopIndices = %v, want [2 4 0]", got)
	}
	if got := BottomIndices(vals, 2); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Errorf("BottomIndices = %v, want [1 3]", got)
	}
	// k larger than the slice clamps.
	if got := TopIndices(vals, 10); len(got) != len(vals) {
		t.Errorf("clamped TopIndices returned %d values", len(got))
	}
}
