package render

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/slide-maps/heatmaps/pkg/colormap"
)

const (
	panelPad   = 12
	captionH   = 20
	legendSwch = 14
)

// CategoryPanel is one labeled heatmap in an overview sheet.
type CategoryPanel struct {
	Name        string
	Probability float64
	Image       image.Image
}

// Overview composites the slide thumbnail, the class map, and one heatmap
// panel per category into a single contact sheet. Panels are laid out in a
// row-major grid of up to four columns, each captioned with the category
// name and its slide-level probability.
func (r *Renderer) Overview(thumb image.Image, classMap image.Image, categories []string, panels []CategoryPanel) (image.Image, error) {
	if len(panels) == 0 {
		return nil, fmt.Errorf("no panels to compose")
	}

	cellW, cellH := 0, 0
	imgs := make([]image.Image, 0, len(panels)+2)
	imgs = append(imgs, thumb, classMap)
	for _, p := range panels {
		imgs = append(imgs, p.Image)
	}
	for _, im := range imgs {
		if im == nil {
			continue
		}
		b := im.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}
	if cellW == 0 || cellH == 0 {
		return nil, fmt.Errorf("all panels are empty")
	}

	nPanels := len(imgs)
	cols := 4
	if nPanels < cols {
		cols = nPanels
	}
	rows := int(math.Ceil(float64(nPanels) / float64(cols)))

	legendH := 0
	if len(categories) > 0 {
		legendH = captionH + panelPad
	}
	width := cols*(cellW+panelPad) + panelPad
	height := rows*(cellH+captionH+panelPad) + panelPad + legendH

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	captions := make([]string, 0, nPanels)
	captions = append(captions, "slide", "classes")
	for _, p := range panels {
		captions = append(captions, fmt.Sprintf("%s %.2f", p.Name, p.Probability))
	}

	for i, im := range imgs {
		col := i % cols
		row := i / cols
		x := panelPad + col*(cellW+panelPad)
		y := panelPad + row*(cellH+captionH+panelPad)

		if im != nil {
			b := im.Bounds()
			// Center smaller panels inside the cell.
			dc.DrawImage(im, x+(cellW-b.Dx())/2, y+(cellH-b.Dy())/2)
		}

		dc.SetRGB(0, 0, 0)
		dc.DrawString(captions[i], float64(x), float64(y+cellH+captionH-6))
	}

	if len(categories) > 0 {
		lx := float64(panelPad)
		ly := float64(height - panelPad - legendSwch)
		for i, name := range categories {
			c := colormap.Pastel1.AtIndex(i)
			dc.SetColor(c)
			dc.DrawRectangle(lx, ly, legendSwch, legendSwch)
			dc.Fill()
			dc.SetRGB(0, 0, 0)
			dc.DrawString(name, lx+legendSwch+4, ly+legendSwch-3)
			lx += legendSwch + 8 + textWidth(name) + panelPad
		}
	}

	return dc.Image(), nil
}

func textWidth(s string) float64 {
	return float64(font.MeasureString(basicfont.Face7x13, s) >> 6)
}
