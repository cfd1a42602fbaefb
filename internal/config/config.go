// Package config handles configuration loading for the heatmap pipeline.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the pipeline configuration.
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Tiles  TilesConfig  `yaml:"tiles"`
	Model  ModelConfig  `yaml:"model"`
	Slide  SlideConfig  `yaml:"slide"`
	Render RenderConfig `yaml:"render"`
	Log    LogConfig    `yaml:"log"`
	Viewer ViewerConfig `yaml:"viewer"`
}

// PathsConfig contains the input and output directories.
type PathsConfig struct {
	FeatureDir string `yaml:"feature_dir"`
	SlideDir   string `yaml:"slide_dir"`
	Checkpoint string `yaml:"checkpoint"`
	OutputDir  string `yaml:"output_dir"`
	// Optional explicit subset of slide file names; empty means walk SlideDir.
	Slides []string `yaml:"slides"`
}

// TilesConfig controls top/bottom tile crop extraction.
type TilesConfig struct {
	TopK    int `yaml:"topk"`
	BottomK int `yaml:"bottomk"`
}

// ModelConfig selects the classifier backend.
type ModelConfig struct {
	// Backend is "checkpoint" (gated-attention MIL JSON checkpoint) or "onnx".
	Backend string `yaml:"backend"`
	// ONNXModel and ONNXLabels are used when Backend is "onnx".
	ONNXModel  string `yaml:"onnx_model"`
	ONNXLabels string `yaml:"onnx_labels"`
	// ONNXLibrary points at the onnxruntime shared library, if non-default.
	ONNXLibrary string `yaml:"onnx_library"`
	// Workers bounds concurrent per-tile probability passes. 0 means NumCPU.
	Workers int `yaml:"workers"`
}

// SlideConfig contains slide backend settings.
type SlideConfig struct {
	// DefaultMPP is used when a slide carries no resolution metadata sidecar.
	// Zero means no fallback: slides without metadata fail.
	DefaultMPP float64 `yaml:"default_mpp"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Colormap string `yaml:"colormap"`
	Upscale  int    `yaml:"upscale"`
	JPEGQual int    `yaml:"jpeg_quality"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables an additional rotating log file when non-empty.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ViewerConfig contains result viewer settings.
type ViewerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	CacheSizeMB int      `yaml:"cache_size_mb"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			FeatureDir: "./data/features",
			SlideDir:   "./data/slides",
			Checkpoint: "./data/model/checkpoint.json",
			OutputDir:  "./output",
		},
		Tiles: TilesConfig{
			TopK:    8,
			BottomK: 8,
		},
		Model: ModelConfig{
			Backend: "checkpoint",
		},
		Render: RenderConfig{
			Colormap: "rdbu_r",
			Upscale:  8,
			JPEGQual: 90,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Viewer: ViewerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			CacheSizeMB: 128,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Paths.FeatureDir == "" {
		cfg.Paths.FeatureDir = defaults.Paths.FeatureDir
	}
	if cfg.Paths.SlideDir == "" {
		cfg.Paths.SlideDir = defaults.Paths.SlideDir
	}
	if cfg.Paths.Checkpoint == "" {
		cfg.Paths.Checkpoint = defaults.Paths.Checkpoint
	}
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = defaults.Paths.OutputDir
	}
	if cfg.Tiles.TopK == 0 {
		cfg.Tiles.TopK = defaults.Tiles.TopK
	}
	if cfg.Tiles.BottomK == 0 {
		cfg.Tiles.BottomK = defaults.Tiles.BottomK
	}
	if cfg.Model.Backend == "" {
		cfg.Model.Backend = defaults.Model.Backend
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Render.Upscale == 0 {
		cfg.Render.Upscale = defaults.Render.Upscale
	}
	if cfg.Render.JPEGQual == 0 {
		cfg.Render.JPEGQual = defaults.Render.JPEGQual
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
	if cfg.Viewer.Port == 0 {
		cfg.Viewer.Port = defaults.Viewer.Port
	}
	if len(cfg.Viewer.CORSOrigins) == 0 {
		cfg.Viewer.CORSOrigins = defaults.Viewer.CORSOrigins
	}
	if cfg.Viewer.CacheSizeMB == 0 {
		cfg.Viewer.CacheSizeMB = defaults.Viewer.CacheSizeMB
	}
}
