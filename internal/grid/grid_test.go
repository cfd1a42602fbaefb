package grid

import (
	"testing"
)

func TestPlace_FiveTileLayout(t *testing.T) {
	// Tiles at (0,0),(224,0),(0,224),(224,224),(448,0) with stride 224.
	coordsNorm := [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 0}}
	values := []float64{1, 2, 3, 4, 5}

	im, err := Place(values, coordsNorm)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	if len(im) != 2 || len(im[0]) != 3 {
		t.Fatalf("grid shape = (%d, %d), want (2, 3)", len(im), len(im[0]))
	}
	if im[0][2] != 5 {
		t.Errorf("cell (0,2) = %v, want 5", im[0][2])
	}
	if im[1][2] != 0 {
		t.Errorf("cell (1,2) = %v, want sentinel 0 (no tile)", im[1][2])
	}
}

func TestPlace_RoundTrip(t *testing.T) {
	coordsNorm := [][2]int{{3, 1}, {0, 0}, {2, 4}, {1, 2}}
	values := []float64{10.5, -2, 7, 0.25}

	im, err := Place(values, coordsNorm)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	for i, c := range coordsNorm {
		if got := im[c[1]][c[0]]; got != values[i] {
			t.Errorf("gather at %v = %v, want %v", c, got, values[i])
		}
	}
}

func TestPlace_CollisionLastWriteWins(t *testing.T) {
	coordsNorm := [][2]int{{1, 1}, {1, 1}}
	values := []float64{3, 9}

	im, err := Place(values, coordsNorm)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if im[1][1] != 9 {
		t.Errorf("colliding cell = %v, want 9 (later write wins)", im[1][1])
	}
}

func TestPlace_LengthMismatch(t *testing.T) {
	if _, err := Place([]float64{1}, [][2]int{{0, 0}, {1, 0}}); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestPlace_NegativeIndex(t *testing.T) {
	if _, err := Place([]float64{1}, [][2]int{{-1, 0}}); err == nil {
		t.Fatal("expected error for negative grid index")
	}
}

func TestPlaceVec(t *testing.T) {
	coordsNorm := [][2]int{{0, 0}, {1, 0}}
	values := [][]float64{{0.9, 0.1}, {0.3, 0.7}}

	im, err := PlaceVec(values, coordsNorm)
	if err != nil {
		t.Fatalf("PlaceVec failed: %v", err)
	}
	if len(im) != 1 || len(im[0]) != 2 {
		t.Fatalf("grid shape = (%d, %d), want (1, 2)", len(im), len(im[0]))
	}
	if im[0][1][1] != 0.7 {
		t.Errorf("cell (0,1)[1] = %v, want 0.7", im[0][1][1])
	}
	// Trailing value dimension is preserved for empty cells too.
	coordsNorm = append(coordsNorm, [2]int{0, 1})
	values = append(values, []float64{0.5, 0.5})
	im, err = PlaceVec(values, coordsNorm)
	if err != nil {
		t.Fatalf("PlaceVec failed: %v", err)
	}
	empty := im[1][1]
	if len(empty) != 2 || empty[0] != 0 || empty[1] != 0 {
		t.Errorf("empty cell = %v, want zero vector of length 2", empty)
	}
}

func TestPlaceVec_Ragged(t *testing.T) {
	_, err := PlaceVec([][]float64{{1, 2}, {3}}, [][2]int{{0, 0}, {1, 0}})
	if err == nil {
		t.Fatal("expected error for ragged value vectors")
	}
}
