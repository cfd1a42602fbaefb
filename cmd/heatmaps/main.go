// Package main renders interpretability heatmaps for a batch of slides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/slide-maps/heatmaps/internal/config"
	"github.com/slide-maps/heatmaps/internal/logging"
	"github.com/slide-maps/heatmaps/internal/model"
	"github.com/slide-maps/heatmaps/internal/pipeline"
	"github.com/slide-maps/heatmaps/internal/runstore"
)

func main() {
	configPath := flag.String("config", "config/heatmaps.yaml", "Path to configuration file")
	featureDir := flag.String("features", "", "Feature store directory (overrides config)")
	slideDir := flag.String("slides", "", "Slide image directory (overrides config)")
	checkpoint := flag.String("checkpoint", "", "Model checkpoint path (overrides config)")
	outputDir := flag.String("out", "", "Output directory (overrides config)")
	topK := flag.Int("topk", 0, "Number of top tile crops per category (overrides config)")
	bottomK := flag.Int("bottomk", 0, "Number of bottom tile crops per category (overrides config)")
	only := flag.String("slide", "", "Render only the named slides (comma-separated)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *featureDir, *slideDir, *checkpoint, *outputDir, *topK, *bottomK, *only)

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	classifier, err := buildClassifier(cfg)
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}

	runs, err := runstore.NewStore(filepath.Join(cfg.Paths.OutputDir, "runs.db"))
	if err != nil {
		logger.Fatal("failed to open run store", zap.Error(err))
	}
	defer runs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting heatmap run",
		zap.String("features", cfg.Paths.FeatureDir),
		zap.String("output", cfg.Paths.OutputDir),
		zap.Strings("categories", classifier.Categories()))

	p := pipeline.New(cfg, classifier, runs, logger)
	if err := p.Run(ctx); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func applyOverrides(cfg *config.Config, featureDir, slideDir, checkpoint, outputDir string, topK, bottomK int, only string) {
	if featureDir != "" {
		cfg.Paths.FeatureDir = featureDir
	}
	if slideDir != "" {
		cfg.Paths.SlideDir = slideDir
	}
	if checkpoint != "" {
		cfg.Paths.Checkpoint = checkpoint
	}
	if outputDir != "" {
		cfg.Paths.OutputDir = outputDir
	}
	if topK > 0 {
		cfg.Tiles.TopK = topK
	}
	if bottomK > 0 {
		cfg.Tiles.BottomK = bottomK
	}
	if only != "" {
		cfg.Paths.Slides = strings.Split(only, ",")
	}
}

func buildClassifier(cfg *config.Config) (model.Classifier, error) {
	switch cfg.Model.Backend {
	case "checkpoint":
		return model.LoadCheckpoint(cfg.Paths.Checkpoint)
	case "onnx":
		return model.NewONNXClassifier(cfg.Model.ONNXModel, cfg.Model.ONNXLabels, cfg.Model.ONNXLibrary)
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
}
