// Package render rasterizes score grids into heatmap and overview images
// using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/slide-maps/heatmaps/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	// Colormap names the diverging colormap for score heatmaps.
	Colormap string
	// Upscale is the integer nearest-neighbor factor applied to grid images.
	Upscale int
	// JPEGQuality applies to tile crop encoding.
	JPEGQuality int
}

// Renderer rasterizes score and class grids.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
	colormaps  map[string]colormap.Colormap
}

// New creates a renderer with the standard colormap registry.
func New(cfg Config) *Renderer {
	if cfg.Upscale <= 0 {
		cfg.Upscale = 1
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	r := &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	r.colormaps["rdbu"] = colormap.RdBu
	r.colormaps["rdbu_r"] = colormap.RdBuR
	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["plasma"] = colormap.Plasma

	return r
}

func (r *Renderer) diverging() colormap.Colormap {
	if cm, ok := r.colormaps[r.config.Colormap]; ok {
		return cm
	}
	return colormap.RdBuR
}

// HeatmapImage renders one pixel per grid cell. Scores in [-1, 1] map onto
// the diverging colormap; cells whose attention is zero stay transparent so
// background tiles vanish when composited.
func (r *Renderer) HeatmapImage(score, attention [][]float64) (*image.RGBA, error) {
	rows, cols, err := gridDims(score)
	if err != nil {
		return nil, err
	}
	if len(attention) != rows {
		return nil, fmt.Errorf("attention grid has %d rows, expected %d", len(attention), rows)
	}

	cm := r.diverging()
	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		if len(attention[y]) != cols {
			return nil, fmt.Errorf("attention row %d has %d cols, expected %d", y, len(attention[y]), cols)
		}
		for x := 0; x < cols; x++ {
			if attention[y][x] <= 0 {
				continue
			}
			v := score[y][x]/2 + 0.5
			img.Set(x, y, cm.At(v))
		}
	}
	return img, nil
}

// ClassMapImage renders each occupied cell in the categorical color of its
// winning category. Cells with no attribution mass stay transparent.
func (r *Renderer) ClassMapImage(winner [][]int, occupied [][]bool) (*image.RGBA, error) {
	rows := len(winner)
	if rows == 0 {
		return nil, fmt.Errorf("empty grid")
	}
	cols := len(winner[0])
	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if y < len(occupied) && x < len(occupied[y]) && !occupied[y][x] {
				continue
			}
			img.Set(x, y, colormap.Pastel1.AtIndex(winner[y][x]))
		}
	}
	return img, nil
}

// Upscale grows img by the configured integer factor with nearest-neighbor
// interpolation, keeping cell boundaries crisp.
func (r *Renderer) Upscale(img image.Image) *image.RGBA {
	return UpscaleNearest(img, r.config.Upscale)
}

// UpscaleNearest grows img by an integer factor with nearest-neighbor
// interpolation.
func UpscaleNearest(img image.Image, factor int) *image.RGBA {
	if factor < 1 {
		factor = 1
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// EncodePNG encodes img with the fast PNG encoder.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EncodeJPEG encodes img at the configured quality.
func (r *Renderer) EncodeJPEG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: r.config.JPEGQuality}); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// OverlayOnThumbnail composites a heatmap over a slide thumbnail. The heatmap
// is scaled to the thumbnail bounds; transparent heatmap cells let the tissue
// show through at full strength.
func OverlayOnThumbnail(thumb image.Image, heatmap image.Image, alpha float64) *image.RGBA {
	b := thumb.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), thumb, b.Min, xdraw.Src)

	if alpha <= 0 {
		return dst
	}
	if alpha > 1 {
		alpha = 1
	}
	scaled := image.NewRGBA(dst.Bounds())
	xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), heatmap, heatmap.Bounds(), xdraw.Src, nil)
	mask := image.NewUniform(color.Alpha{A: uint8(alpha*255 + 0.5)})
	xdraw.DrawMask(dst, dst.Bounds(), scaled, image.Point{}, mask, image.Point{}, xdraw.Over)
	return dst
}

func gridDims(grid [][]float64) (rows, cols int, err error) {
	rows = len(grid)
	if rows == 0 {
		return 0, 0, fmt.Errorf("empty grid")
	}
	cols = len(grid[0])
	for y, row := range grid {
		if len(row) != cols {
			return 0, 0, fmt.Errorf("ragged grid: row %d has %d cols, expected %d", y, len(row), cols)
		}
	}
	if cols == 0 {
		return 0, 0, fmt.Errorf("empty grid")
	}
	return rows, cols, nil
}
