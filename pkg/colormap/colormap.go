// Package colormap provides color schemes for heatmap visualization.
package colormap

import (
	"image/color"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Reversed returns the colormap with its color stops in reverse order.
func (c LinearColormap) Reversed() LinearColormap {
	rev := make([]color.RGBA, len(c.colors))
	for i, col := range c.colors {
		rev[len(c.colors)-1-i] = col
	}
	return LinearColormap{colors: rev}
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// RdBu is a diverging red-white-blue colormap (matplotlib RdBu).
// Low values are red, high values are blue; 0.5 is near-white.
var RdBu = LinearColormap{
	colors: []color.RGBA{
		{103, 0, 31, 255},
		{178, 24, 43, 255},
		{214, 96, 77, 255},
		{244, 165, 130, 255},
		{253, 219, 199, 255},
		{247, 247, 247, 255},
		{209, 229, 240, 255},
		{146, 197, 222, 255},
		{67, 147, 195, 255},
		{33, 102, 172, 255},
		{5, 48, 97, 255},
	},
}

// RdBuR is the reversed RdBu map: low values blue, high values red.
// Used for signed support scores where red marks positive evidence.
var RdBuR = RdBu.Reversed()

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Pastel1 categorical colormap (matplotlib Pastel1), used for class maps.
var Pastel1 = CategoricalColormap{
	colors: []color.RGBA{
		{251, 180, 174, 255},
		{179, 205, 227, 255},
		{204, 235, 197, 255},
		{222, 203, 228, 255},
		{254, 217, 166, 255},
		{255, 255, 204, 255},
		{229, 216, 189, 255},
		{253, 218, 236, 255},
		{242, 242, 242, 255},
	},
}
