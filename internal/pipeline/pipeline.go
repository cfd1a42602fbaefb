// Package pipeline orchestrates the per-slide heatmap rendering flow: feature
// loading, coordinate reconciliation, attribution, scoring and image export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slide-maps/heatmaps/internal/attr"
	"github.com/slide-maps/heatmaps/internal/config"
	"github.com/slide-maps/heatmaps/internal/coords"
	"github.com/slide-maps/heatmaps/internal/data/featstore"
	"github.com/slide-maps/heatmaps/internal/data/slide"
	"github.com/slide-maps/heatmaps/internal/grid"
	"github.com/slide-maps/heatmaps/internal/model"
	"github.com/slide-maps/heatmaps/internal/render"
	"github.com/slide-maps/heatmaps/internal/runstore"
	"github.com/slide-maps/heatmaps/internal/score"
)

// thumbPxPerCell is the thumbnail resolution in pixels per grid cell; it
// matches the heatmap upscale factor so overlays align.
const thumbPxPerCell = 8

// Pipeline renders heatmaps for a batch of slides.
type Pipeline struct {
	cfg        *config.Config
	classifier model.Classifier
	renderer   *render.Renderer
	runs       *runstore.Store
	log        *zap.Logger
}

// New assembles a pipeline. runs may be nil to skip manifest recording.
func New(cfg *config.Config, classifier model.Classifier, runs *runstore.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		classifier: classifier,
		renderer: render.New(render.Config{
			Colormap:    cfg.Render.Colormap,
			Upscale:     cfg.Render.Upscale,
			JPEGQuality: cfg.Render.JPEGQual,
		}),
		runs: runs,
		log:  logger,
	}
}

// slideEntry pairs a slide name with its optional image path.
type slideEntry struct {
	Name      string
	ImagePath string
}

// Run processes every discovered slide. Slides whose feature store is missing
// are skipped; an undecidable coordinate convention aborts the whole run so
// mixed-format stores never silently produce misaligned maps.
func (p *Pipeline) Run(ctx context.Context) error {
	slides, err := p.discoverSlides()
	if err != nil {
		return err
	}
	if len(slides) == 0 {
		return fmt.Errorf("no slides found in %s", p.cfg.Paths.FeatureDir)
	}

	if err := os.MkdirAll(p.cfg.Paths.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	if p.runs != nil {
		err := p.runs.CreateRun(&runstore.Run{
			ID:         runID,
			Checkpoint: p.cfg.Paths.Checkpoint,
			FeatureDir: p.cfg.Paths.FeatureDir,
			OutputDir:  p.cfg.Paths.OutputDir,
			Categories: p.classifier.Categories(),
			Status:     runstore.RunStatusRunning,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
	}

	var runErr error
	rendered := 0
	for _, entry := range slides {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		err := p.processSlide(ctx, runID, entry)
		switch {
		case err == nil:
			rendered++
		case errors.Is(err, fs.ErrNotExist):
			p.log.Warn("no feature store for slide, skipping",
				zap.String("slide", entry.Name))
			p.recordSlideError(runID, entry.Name, "skipped", err)
		case errors.Is(err, coords.ErrStrideUndefined):
			p.log.Warn("cannot determine tile stride, skipping",
				zap.String("slide", entry.Name), zap.Error(err))
			p.recordSlideError(runID, entry.Name, "skipped", err)
		default:
			p.recordSlideError(runID, entry.Name, "failed", err)
			runErr = fmt.Errorf("slide %s: %w", entry.Name, err)
		}
		if runErr != nil {
			break
		}
	}

	if p.runs != nil {
		status := runstore.RunStatusCompleted
		msg := ""
		if runErr != nil {
			status = runstore.RunStatusFailed
			msg = runErr.Error()
		}
		if err := p.runs.FinishRun(runID, status, msg); err != nil {
			p.log.Error("failed to finish run record", zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	p.log.Info("run complete",
		zap.String("run", runID),
		zap.Int("rendered", rendered),
		zap.Int("discovered", len(slides)))
	return nil
}

// discoverSlides resolves the slide worklist: the configured explicit list,
// or every supported image under the slide dir, or failing that every
// feature store directory (image-less rendering).
func (p *Pipeline) discoverSlides() ([]slideEntry, error) {
	if len(p.cfg.Paths.Slides) > 0 {
		entries := make([]slideEntry, 0, len(p.cfg.Paths.Slides))
		for _, name := range p.cfg.Paths.Slides {
			base := strings.TrimSuffix(name, filepath.Ext(name))
			entries = append(entries, slideEntry{
				Name:      base,
				ImagePath: p.findSlideImage(base),
			})
		}
		return entries, nil
	}

	if dirents, err := os.ReadDir(p.cfg.Paths.SlideDir); err == nil {
		var entries []slideEntry
		for _, d := range dirents {
			if d.IsDir() || !slide.Supported(d.Name()) {
				continue
			}
			base := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
			entries = append(entries, slideEntry{
				Name:      base,
				ImagePath: filepath.Join(p.cfg.Paths.SlideDir, d.Name()),
			})
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}

	dirents, err := os.ReadDir(p.cfg.Paths.FeatureDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature dir: %w", err)
	}
	var entries []slideEntry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		entries = append(entries, slideEntry{Name: d.Name()})
	}
	return entries, nil
}

func (p *Pipeline) findSlideImage(base string) string {
	for _, ext := range slide.SupportedExtensions {
		candidate := filepath.Join(p.cfg.Paths.SlideDir, base+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func (p *Pipeline) recordSlideError(runID, name, status string, cause error) {
	if p.runs == nil {
		return
	}
	err := p.runs.RecordSlide(&runstore.SlideResult{
		RunID:      runID,
		Slide:      name,
		Status:     status,
		Error:      cause.Error(),
		RenderedAt: time.Now().UTC(),
	})
	if err != nil {
		p.log.Error("failed to record slide result", zap.String("slide", name), zap.Error(err))
	}
}

func (p *Pipeline) processSlide(ctx context.Context, runID string, entry slideEntry) error {
	start := time.Now()

	store, err := featstore.Open(filepath.Join(p.cfg.Paths.FeatureDir, entry.Name))
	if err != nil {
		return err
	}
	defer store.Close()

	feats, err := store.Feats()
	if err != nil {
		return fmt.Errorf("failed to read features: %w", err)
	}
	tileCoords, err := store.Coords()
	if err != nil {
		return fmt.Errorf("failed to read coordinates: %w", err)
	}
	if len(feats) != len(tileCoords) {
		return fmt.Errorf("feature store mismatch: %d feature rows, %d coordinates", len(feats), len(tileCoords))
	}
	if len(feats) == 0 {
		return fmt.Errorf("empty feature store: %w", coords.ErrStrideUndefined)
	}

	var sl *slide.Slide
	if entry.ImagePath != "" {
		sl, err = slide.Open(entry.ImagePath, p.cfg.Slide.DefaultMPP)
		if err != nil {
			if errors.Is(err, slide.ErrNoResolution) {
				return err
			}
			p.log.Warn("failed to open slide image, rendering without crops",
				zap.String("slide", entry.Name), zap.Error(err))
			sl = nil
		} else {
			defer sl.Close()
		}
	}

	mpp := p.cfg.Slide.DefaultMPP
	if sl != nil {
		mpp = sl.MPP()
	}
	if mpp <= 0 {
		// No image and no configured fallback: pixel-space outputs are
		// unavailable, grid-space math is unaffected.
		mpp = 1
	}

	resolved, err := coords.Reconcile(tileCoords, store.Attrs(), mpp)
	if err != nil {
		return err
	}
	norm := coords.Normalize(tileCoords, resolved.Stride)
	rows, cols := grid.Shape(norm)

	p.log.Info("reconciled slide",
		zap.String("slide", entry.Name),
		zap.Int("tiles", len(feats)),
		zap.Float64("stride", resolved.Stride),
		zap.Int("rows", rows),
		zap.Int("cols", cols))

	probs, err := p.classifier.Probabilities(feats)
	if err != nil {
		return fmt.Errorf("slide-level inference failed: %w", err)
	}
	categories := p.classifier.Categories()

	workers := p.cfg.Model.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	tileScores, err := attr.TileProbabilities(p.classifier, feats, workers)
	if err != nil {
		return fmt.Errorf("per-tile scoring failed: %w", err)
	}
	gradcam, err := attr.GradCAM(p.classifier, feats)
	if err != nil {
		return fmt.Errorf("attribution failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stage := filepath.Join(p.cfg.Paths.OutputDir, entry.Name+".tmp")
	if err := os.RemoveAll(stage); err != nil {
		return fmt.Errorf("failed to clear staging dir: %w", err)
	}
	if err := os.MkdirAll(stage, 0755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(stage)

	out := &slideOutputs{
		name:  entry.Name,
		stage: stage,
		tiles: len(feats),
	}

	panels := make([]render.CategoryPanel, 0, len(categories))
	for ci, cat := range categories {
		comp, err := score.Compute(tileScores, gradcam, ci)
		if err != nil {
			return fmt.Errorf("scoring %s failed: %w", cat, err)
		}

		scoreGrid, err := grid.Place(comp.Score, norm)
		if err != nil {
			return err
		}
		attnGrid, err := grid.Place(comp.Attention, norm)
		if err != nil {
			return err
		}
		heat, err := p.renderer.HeatmapImage(scoreGrid, attnGrid)
		if err != nil {
			return err
		}
		up := p.renderer.Upscale(heat)

		name := fmt.Sprintf("scores-%s-score_%s=%0.2f.png", entry.Name, cat, probs[ci])
		if err := out.writePNG(p.renderer, name, up); err != nil {
			return err
		}
		out.categoryResults = append(out.categoryResults, runstore.CategoryResult{
			Name:        cat,
			Probability: probs[ci],
			HeatmapPath: name,
		})
		panels = append(panels, render.CategoryPanel{Name: cat, Probability: probs[ci], Image: up})

		if sl != nil {
			if err := p.writeCrops(out, sl, resolved, comp.Score, cat); err != nil {
				return err
			}
		}
	}

	classMap, err := p.classMapImage(tileScores, gradcam, norm, rows, cols)
	if err != nil {
		return err
	}
	classMapUp := p.renderer.Upscale(classMap)

	thumb := p.thumbnail(sl, rows, cols)
	if err := out.writePNG(p.renderer, fmt.Sprintf("thumbnail-%s.png", entry.Name), thumb); err != nil {
		return err
	}
	out.thumbnailPath = fmt.Sprintf("thumbnail-%s.png", entry.Name)

	overview, err := p.renderer.Overview(thumb, classMapUp, categories, panels)
	if err != nil {
		return err
	}
	out.overviewPath = fmt.Sprintf("overview-%s.png", entry.Name)
	if err := out.writePNG(p.renderer, out.overviewPath, overview); err != nil {
		return err
	}

	final := filepath.Join(p.cfg.Paths.OutputDir, entry.Name)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("failed to clear output dir: %w", err)
	}
	if err := os.Rename(stage, final); err != nil {
		return fmt.Errorf("failed to publish outputs: %w", err)
	}

	if p.runs != nil {
		err := p.runs.RecordSlide(&runstore.SlideResult{
			RunID:         runID,
			Slide:         entry.Name,
			Status:        "rendered",
			Tiles:         out.tiles,
			GridRows:      rows,
			GridCols:      cols,
			StrideUm:      resolved.Stride,
			ThumbnailPath: out.thumbnailPath,
			OverviewPath:  out.overviewPath,
			Categories:    out.categoryResults,
			RenderedAt:    time.Now().UTC(),
		})
		if err != nil {
			p.log.Error("failed to record slide result", zap.String("slide", entry.Name), zap.Error(err))
		}
	}

	p.log.Info("rendered slide",
		zap.String("slide", entry.Name),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// classMapImage builds the winning-category map. A cell is occupied when any
// category carries attribution mass on its tile.
func (p *Pipeline) classMapImage(tileScores, gradcam [][]float64, norm [][2]int, rows, cols int) (image.Image, error) {
	winners := score.ArgmaxPerTile(tileScores)

	winnerGrid := make([][]int, rows)
	occupied := make([][]bool, rows)
	for y := range winnerGrid {
		winnerGrid[y] = make([]int, cols)
		occupied[y] = make([]bool, cols)
	}
	for t, c := range norm {
		var mass float64
		for _, v := range gradcam[t] {
			mass += v
		}
		winnerGrid[c[1]][c[0]] = winners[t]
		occupied[c[1]][c[0]] = mass > 0
	}
	return p.renderer.ClassMapImage(winnerGrid, occupied)
}

// thumbnail downscales the slide to match the upscaled grid bounds; without
// an image it falls back to a white canvas so overviews keep their layout.
func (p *Pipeline) thumbnail(sl *slide.Slide, rows, cols int) image.Image {
	w, h := cols*thumbPxPerCell, rows*thumbPxPerCell
	if sl != nil {
		return sl.Thumbnail(w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

// writeCrops extracts the k highest and lowest scoring tiles as JPEG crops
// from the slide image.
func (p *Pipeline) writeCrops(out *slideOutputs, sl *slide.Slide, resolved *coords.Resolved, scores []float64, cat string) error {
	write := func(prefix string, rank int, tile int) error {
		c := resolved.PixelCoords[tile]
		region, err := sl.ReadRegion(c[0], c[1], 0, resolved.TilePx, resolved.TilePx)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%s-%s-score_%s=%0.2f_%02d.jpg", prefix, out.name, cat, scores[tile], rank)
		return out.writeJPEG(p.renderer, name, region)
	}

	for i, tile := range score.TopIndices(scores, p.cfg.Tiles.TopK) {
		if err := write("top", i, tile); err != nil {
			return err
		}
	}
	for i, tile := range score.BottomIndices(scores, p.cfg.Tiles.BottomK) {
		if err := write("bottom", i, tile); err != nil {
			return err
		}
	}
	return nil
}

// slideOutputs accumulates the staged files for one slide.
type slideOutputs struct {
	name  string
	stage string
	tiles int

	thumbnailPath   string
	overviewPath    string
	categoryResults []runstore.CategoryResult
}

func (o *slideOutputs) writePNG(r *render.Renderer, name string, img image.Image) error {
	data, err := r.EncodePNG(img)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.stage, name), data, 0644)
}

func (o *slideOutputs) writeJPEG(r *render.Renderer, name string, img image.Image) error {
	data, err := r.EncodeJPEG(img)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.stage, name), data, 0644)
}
