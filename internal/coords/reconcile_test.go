package coords

import (
	"errors"
	"math"
	"testing"

	"github.com/slide-maps/heatmaps/internal/data/featstore"
)

func TestReconcile_MicronMetadata(t *testing.T) {
	c := [][2]float64{{0, 0}, {256, 0}, {0, 256}, {512, 256}}
	attrs := featstore.Attrs{TileSize: 256, Unit: "um"}
	mpp := 0.5

	r, err := Reconcile(c, attrs, mpp)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if r.Stride != 256 {
		t.Errorf("Stride = %v, want 256", r.Stride)
	}
	if r.TilePx != 512 {
		t.Errorf("TilePx = %d, want 512 (256um / 0.5mpp)", r.TilePx)
	}
	// Pixel coordinates are coords / mpp exactly.
	for i, p := range c {
		wantX := int(math.Round(p[0] / mpp))
		wantY := int(math.Round(p[1] / mpp))
		if r.PixelCoords[i] != [2]int{wantX, wantY} {
			t.Errorf("PixelCoords[%d] = %v, want (%d, %d)", i, r.PixelCoords[i], wantX, wantY)
		}
	}
}

func TestReconcile_MicronsAlias(t *testing.T) {
	c := [][2]float64{{0, 0}, {100, 0}}
	r, err := Reconcile(c, featstore.Attrs{TileSize: 100, Unit: "microns"}, 1)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if r.TilePx != 100 {
		t.Errorf("TilePx = %d, want 100", r.TilePx)
	}
}

func TestReconcile_Legacy224(t *testing.T) {
	c := [][2]float64{{0, 0}, {224, 0}, {0, 224}, {448, 224}}
	mpp := 0.5

	r, err := Reconcile(c, featstore.Attrs{}, mpp)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if r.Stride != 224 {
		t.Errorf("Stride = %v, want empirical 224", r.Stride)
	}
	if r.TilePx != 512 {
		t.Errorf("TilePx = %d, want round(256/0.5) = 512", r.TilePx)
	}
	// Legacy rescale: px = coord / 224 * 256 / mpp.
	want := int(math.Round(448.0 / 224 * 256 / mpp))
	if r.PixelCoords[3][0] != want {
		t.Errorf("PixelCoords[3].x = %d, want %d", r.PixelCoords[3][0], want)
	}
}

func TestReconcile_UnrecognizedFormat(t *testing.T) {
	// Stride 300 without unit metadata matches no known convention.
	c := [][2]float64{{0, 0}, {300, 0}, {600, 0}}

	_, err := Reconcile(c, featstore.Attrs{}, 0.5)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if infErr.Stride != 300 {
		t.Errorf("InferenceError.Stride = %v, want 300", infErr.Stride)
	}
}

func TestReconcile_SingleTile(t *testing.T) {
	_, err := Reconcile([][2]float64{{0, 0}}, featstore.Attrs{}, 0.5)
	if !errors.Is(err, ErrStrideUndefined) {
		t.Fatalf("expected ErrStrideUndefined for single tile, got %v", err)
	}
}

func TestReconcile_InvalidMPP(t *testing.T) {
	if _, err := Reconcile([][2]float64{{0, 0}, {224, 0}}, featstore.Attrs{}, 0); err == nil {
		t.Fatal("expected error for zero mpp")
	}
}

func TestEmpiricalStride(t *testing.T) {
	// Gaps of 224 and 448; minimum positive difference wins.
	c := [][2]float64{{448, 0}, {0, 10}, {224, 20}, {896, 30}, {224, 40}}
	stride, err := EmpiricalStride(c)
	if err != nil {
		t.Fatalf("EmpiricalStride failed: %v", err)
	}
	if stride != 224 {
		t.Errorf("stride = %v, want 224", stride)
	}
}

func TestNormalize(t *testing.T) {
	c := [][2]float64{{0, 0}, {224, 0}, {0, 224}, {224, 224}, {448, 0}}

	norm := Normalize(c, 224)
	want := [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 0}}
	for i := range want {
		if norm[i] != want[i] {
			t.Errorf("norm[%d] = %v, want %v", i, norm[i], want[i])
		}
	}
}

func TestNormalize_ScaleInvariantOrdering(t *testing.T) {
	c := [][2]float64{{0, 0}, {224, 0}, {448, 0}, {672, 0}}

	a := Normalize(c, 224)
	scaled := make([][2]float64, len(c))
	for i, p := range c {
		scaled[i] = [2]float64{p[0] * 3, p[1] * 3}
	}
	b := Normalize(scaled, 224*3)

	for i := range a {
		if a[i] != b[i] {
			t.Errorf("scaling coords and stride together changed grid index %d: %v vs %v", i, a[i], b[i])
		}
	}
}
