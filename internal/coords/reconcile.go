// Package coords reconciles tile coordinate conventions across feature
// store generations and derives grid indices from tile positions.
package coords

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/slide-maps/heatmaps/internal/data/featstore"
)

// legacyStridePx is the tile stride, in logical units, of the historic
// convention where a 256-micron tile was sampled at 224-pixel resolution.
const (
	legacyStridePx = 224
	legacyTileUm   = 256
)

// ErrStrideUndefined indicates the store has too few distinct x positions
// to infer a tile stride (for example a single-tile slide).
var ErrStrideUndefined = errors.New("tile stride undefined: need at least two distinct x coordinates")

// InferenceError indicates the coordinate unit could not be determined.
// Attribution cannot proceed; features must be re-extracted with unit
// metadata.
type InferenceError struct {
	// Stride is the empirical stride that failed to match a known convention.
	Stride float64
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("unable to infer coordinate unit from feature store (empirical stride %.1f): re-extract features with unit metadata", e.Stride)
}

// Resolved is the outcome of coordinate reconciliation.
type Resolved struct {
	// Stride is the tile spacing in the store's native coordinate unit,
	// used for grid-index division.
	Stride float64
	// TilePx is the tile side length in slide pixel space.
	TilePx int
	// PixelCoords are the tile top-left corners converted to slide pixels.
	PixelCoords [][2]int
}

// EmpiricalStride infers the tile stride as the minimum positive difference
// between consecutive distinct x coordinates.
func EmpiricalStride(coords [][2]float64) (float64, error) {
	xs := make([]float64, 0, len(coords))
	seen := make(map[float64]struct{}, len(coords))
	for _, c := range coords {
		if _, ok := seen[c[0]]; !ok {
			seen[c[0]] = struct{}{}
			xs = append(xs, c[0])
		}
	}
	if len(xs) < 2 {
		return 0, ErrStrideUndefined
	}
	sort.Float64s(xs)

	stride := math.Inf(1)
	for i := 1; i < len(xs); i++ {
		if d := xs[i] - xs[i-1]; d > 0 && d < stride {
			stride = d
		}
	}
	return stride, nil
}

// Reconcile resolves the stride, tile pixel size and pixel-space coordinates
// for one slide's feature store given the slide's microns-per-pixel.
func Reconcile(c [][2]float64, attrs featstore.Attrs, mpp float64) (*Resolved, error) {
	if mpp <= 0 {
		return nil, fmt.Errorf("invalid microns-per-pixel %v", mpp)
	}
	if len(c) == 0 {
		return nil, ErrStrideUndefined
	}

	// Stores with explicit micron metadata convert directly.
	if attrs.TileSize > 0 && micronUnit(attrs.Unit) {
		px := make([][2]int, len(c))
		for i, p := range c {
			px[i][0] = int(math.Round(p[0] / mpp))
			px[i][1] = int(math.Round(p[1] / mpp))
		}
		return &Resolved{
			Stride:      attrs.TileSize,
			TilePx:      int(math.Round(attrs.TileSize / mpp)),
			PixelCoords: px,
		}, nil
	}

	stride, err := EmpiricalStride(c)
	if err != nil {
		return nil, err
	}

	if math.Round(stride) == legacyStridePx {
		// Historic format: logical units of 256um/224px tiles.
		px := make([][2]int, len(c))
		for i, p := range c {
			px[i][0] = int(math.Round(p[0] / legacyStridePx * legacyTileUm / mpp))
			px[i][1] = int(math.Round(p[1] / legacyStridePx * legacyTileUm / mpp))
		}
		return &Resolved{
			Stride:      stride,
			TilePx:      int(math.Round(legacyTileUm / mpp)),
			PixelCoords: px,
		}, nil
	}

	return nil, &InferenceError{Stride: stride}
}

// Normalize converts native-unit coordinates to grid indices by floor
// division with the stride. Index order follows the store: (x, y).
func Normalize(c [][2]float64, stride float64) [][2]int {
	norm := make([][2]int, len(c))
	for i, p := range c {
		norm[i][0] = int(math.Floor(p[0] / stride))
		norm[i][1] = int(math.Floor(p[1] / stride))
	}
	return norm
}

func micronUnit(unit string) bool {
	return unit == "um" || unit == "microns"
}
