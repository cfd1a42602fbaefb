// Package slide provides read access to whole-slide images.
//
// Slides are plain raster images (pre-converted from pyramidal formats by an
// upstream step); physical resolution comes from a JSON sidecar next to the
// image: <slide>.json with {"mpp": microns_per_pixel}.
package slide

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	// Raster decoders for the formats the extraction pipeline emits.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ErrNoResolution indicates the slide carries no determinable
// microns-per-pixel metadata and no fallback was configured.
var ErrNoResolution = errors.New("could not determine slide microns-per-pixel")

// SupportedExtensions lists the slide image formats the backend can open.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp"}

// Supported reports whether path has a recognized slide extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

type sidecar struct {
	MPP float64 `json:"mpp"`
}

// Slide is an open whole-slide image.
type Slide struct {
	path string
	img  image.Image
	mpp  float64
}

// Open decodes a slide image and resolves its resolution metadata.
// defaultMPP is used when no sidecar exists; zero means no fallback.
func Open(path string, defaultMPP float64) (*Slide, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open slide %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode slide %s: %w", path, err)
	}

	mpp, err := resolveMPP(path, defaultMPP)
	if err != nil {
		return nil, err
	}

	return &Slide{path: path, img: img, mpp: mpp}, nil
}

func resolveMPP(path string, defaultMPP float64) (float64, error) {
	sidecarPath := path + ".json"
	data, err := os.ReadFile(sidecarPath)
	if err == nil {
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			return 0, fmt.Errorf("failed to parse %s: %w", sidecarPath, err)
		}
		if sc.MPP > 0 {
			return sc.MPP, nil
		}
	}
	if defaultMPP > 0 {
		return defaultMPP, nil
	}
	return 0, fmt.Errorf("%s: %w", path, ErrNoResolution)
}

// Path returns the slide file path.
func (s *Slide) Path() string { return s.path }

// MPP returns the slide resolution in microns per pixel.
func (s *Slide) MPP() float64 { return s.mpp }

// Dimensions returns the slide size in pixels.
func (s *Slide) Dimensions() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// ReadRegion extracts a w×h pixel region with top-left corner (x, y) at the
// given pyramid level. Only level 0 is available for raster slides. Requests
// reaching past the slide edge are zero-padded.
func (s *Slide) ReadRegion(x, y, level, w, h int) (image.Image, error) {
	if level != 0 {
		return nil, fmt.Errorf("pyramid level %d not available for raster slide", level)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid region size %dx%d", w, h)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	src := image.Rect(x, y, x+w, y+h).Intersect(s.img.Bounds())
	if !src.Empty() {
		xdraw.Draw(out, image.Rect(src.Min.X-x, src.Min.Y-y, src.Max.X-x, src.Max.Y-y),
			s.img, src.Min, xdraw.Src)
	}
	return out, nil
}

// Thumbnail returns the slide downscaled to w×h.
func (s *Slide) Thumbnail(w, h int) image.Image {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), s.img, s.img.Bounds(), xdraw.Src, nil)
	return out
}

// Close releases the decoded image.
func (s *Slide) Close() {
	s.img = nil
}
