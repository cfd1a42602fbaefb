// Package grid scatters per-tile values into dense 2D rasters addressed by
// normalized grid indices. Cells with no tile keep the zero value, which
// downstream rendering treats as "no tissue" rather than a zero score.
package grid

import (
	"fmt"
)

// Shape returns the raster size (rows, cols) covering all grid indices.
// Indices are (x, y) pairs as produced by coords.Normalize; x addresses the
// column, y the row.
func Shape(coordsNorm [][2]int) (rows, cols int) {
	for _, c := range coordsNorm {
		if c[0]+1 > cols {
			cols = c[0] + 1
		}
		if c[1]+1 > rows {
			rows = c[1] + 1
		}
	}
	return rows, cols
}

// Place scatters scalar values into a dense [rows][cols] raster.
// If two tiles map to the same cell the later write wins.
func Place(values []float64, coordsNorm [][2]int) ([][]float64, error) {
	if len(values) != len(coordsNorm) {
		return nil, fmt.Errorf("values (%d) and coords (%d) must be parallel", len(values), len(coordsNorm))
	}
	if err := validate(coordsNorm); err != nil {
		return nil, err
	}

	rows, cols := Shape(coordsNorm)
	im := make([][]float64, rows)
	for r := range im {
		im[r] = make([]float64, cols)
	}
	for i, c := range coordsNorm {
		im[c[1]][c[0]] = values[i]
	}
	return im, nil
}

// PlaceVec scatters fixed-length vectors into a [rows][cols][d] raster.
func PlaceVec(values [][]float64, coordsNorm [][2]int) ([][][]float64, error) {
	if len(values) != len(coordsNorm) {
		return nil, fmt.Errorf("values (%d) and coords (%d) must be parallel", len(values), len(coordsNorm))
	}
	if err := validate(coordsNorm); err != nil {
		return nil, err
	}

	d := 0
	if len(values) > 0 {
		d = len(values[0])
	}

	rows, cols := Shape(coordsNorm)
	im := make([][][]float64, rows)
	for r := range im {
		im[r] = make([][]float64, cols)
		for c := range im[r] {
			im[r][c] = make([]float64, d)
		}
	}
	for i, c := range coordsNorm {
		if len(values[i]) != d {
			return nil, fmt.Errorf("ragged value vector at tile %d: got %d, expected %d", i, len(values[i]), d)
		}
		copy(im[c[1]][c[0]], values[i])
	}
	return im, nil
}

func validate(coordsNorm [][2]int) error {
	for i, c := range coordsNorm {
		if c[0] < 0 || c[1] < 0 {
			return fmt.Errorf("negative grid index %v at tile %d", c, i)
		}
	}
	return nil
}
