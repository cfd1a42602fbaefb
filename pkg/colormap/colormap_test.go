package colormap

import (
	"image/color"
	"testing"
)

func TestRdBuEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := RdBu.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 103, G: 0, B: 31, A: 255}) {
		t.Fatalf("unexpected RdBu.At(0): %#v", c0)
	}

	c1, ok := RdBu.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 5, G: 48, B: 97, A: 255}) {
		t.Fatalf("unexpected RdBu.At(1): %#v", c1)
	}
}

func TestRdBuRIsReversed(t *testing.T) {
	t.Parallel()

	if RdBuR.At(0) != RdBu.At(1) {
		t.Fatalf("RdBuR.At(0) should equal RdBu.At(1)")
	}
	if RdBuR.At(1) != RdBu.At(0) {
		t.Fatalf("RdBuR.At(1) should equal RdBu.At(0)")
	}
}

func TestRdBuMidpointNearWhite(t *testing.T) {
	t.Parallel()

	mid, ok := RdBuR.At(0.5).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0.5")
	}
	// The center stop of the diverging map is near-white (247,247,247).
	if mid.R < 230 || mid.G < 230 || mid.B < 230 {
		t.Fatalf("midpoint of diverging map should be near-white, got %#v", mid)
	}
}

func TestPastel1Wraps(t *testing.T) {
	t.Parallel()

	n := len(Pastel1.colors)
	if Pastel1.AtIndex(0) != Pastel1.AtIndex(n) {
		t.Fatalf("AtIndex should wrap around after %d entries", n)
	}
}
