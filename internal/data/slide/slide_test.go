package slide

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writeTestSlide writes a small PNG whose pixel at (x, y) encodes x in the
// red channel and y in the green channel, so region reads can be verified.
func writeTestSlide(t *testing.T, name string, w, h int, mpp float64) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create slide: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode slide: %v", err)
	}
	f.Close()

	if mpp > 0 {
		if err := os.WriteFile(path+".json", []byte(`{"mpp": 0.5}`), 0o644); err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
	}
	return path
}

func TestOpen_SidecarMPP(t *testing.T) {
	path := writeTestSlide(t, "a.png", 64, 48, 0.5)

	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if s.MPP() != 0.5 {
		t.Errorf("MPP = %v, want 0.5", s.MPP())
	}
	w, h := s.Dimensions()
	if w != 64 || h != 48 {
		t.Errorf("Dimensions = %dx%d, want 64x48", w, h)
	}
}

func TestOpen_MissingResolution(t *testing.T) {
	path := writeTestSlide(t, "b.png", 8, 8, 0)

	if _, err := Open(path, 0); !errors.Is(err, ErrNoResolution) {
		t.Fatalf("expected ErrNoResolution, got %v", err)
	}

	// A configured fallback recovers the slide.
	s, err := Open(path, 0.25)
	if err != nil {
		t.Fatalf("Open with default mpp failed: %v", err)
	}
	defer s.Close()
	if s.MPP() != 0.25 {
		t.Errorf("MPP = %v, want 0.25", s.MPP())
	}
}

func TestReadRegion(t *testing.T) {
	path := writeTestSlide(t, "c.png", 64, 64, 0.5)
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	region, err := s.ReadRegion(10, 20, 0, 4, 4)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	r, g, _, _ := region.At(0, 0).RGBA()
	if uint8(r>>8) != 10 || uint8(g>>8) != 20 {
		t.Errorf("region origin pixel = (%d, %d), want (10, 20)", r>>8, g>>8)
	}

	// Past-edge reads are zero-padded, not an error.
	region, err = s.ReadRegion(62, 62, 0, 4, 4)
	if err != nil {
		t.Fatalf("ReadRegion at edge failed: %v", err)
	}
	_, _, _, a := region.At(3, 3).RGBA()
	if a != 0 {
		t.Errorf("expected transparent padding past slide edge")
	}

	if _, err := s.ReadRegion(0, 0, 1, 4, 4); err == nil {
		t.Error("expected error for non-zero pyramid level")
	}
}

func TestThumbnail(t *testing.T) {
	path := writeTestSlide(t, "d.png", 64, 32, 0.5)
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	thumb := s.Thumbnail(16, 8)
	if thumb.Bounds().Dx() != 16 || thumb.Bounds().Dy() != 8 {
		t.Errorf("thumbnail size = %v, want 16x8", thumb.Bounds())
	}
}

func TestSupported(t *testing.T) {
	for _, ok := range []string{"a.png", "b.JPG", "c.tiff"} {
		if !Supported(ok) {
			t.Errorf("Supported(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"a.svs", "b.txt", "c"} {
		if Supported(bad) {
			t.Errorf("Supported(%q) = true, want false", bad)
		}
	}
}
