// Package main serves rendered heatmap outputs over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/slide-maps/heatmaps/internal/api"
	"github.com/slide-maps/heatmaps/internal/config"
	"github.com/slide-maps/heatmaps/internal/logging"
	"github.com/slide-maps/heatmaps/internal/runstore"
)

func main() {
	configPath := flag.String("config", "config/heatmaps.yaml", "Path to configuration file")
	outputDir := flag.String("out", "", "Output directory to serve (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *outputDir != "" {
		cfg.Paths.OutputDir = *outputDir
	}
	if *port > 0 {
		cfg.Viewer.Port = *port
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	runs, err := runstore.NewStore(filepath.Join(cfg.Paths.OutputDir, "runs.db"))
	if err != nil {
		logger.Fatal("failed to open run store", zap.Error(err))
	}
	defer runs.Close()

	cache, err := api.NewFileCache(cfg.Viewer.CacheSizeMB)
	if err != nil {
		logger.Fatal("failed to create file cache", zap.Error(err))
	}
	defer cache.Close()

	router := api.NewRouter(api.RouterConfig{
		Runs:        runs,
		OutputDir:   cfg.Paths.OutputDir,
		CORSOrigins: cfg.Viewer.CORSOrigins,
		Cache:       cache,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Viewer.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("viewer listening",
			zap.Int("port", cfg.Viewer.Port),
			zap.String("output", cfg.Paths.OutputDir))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
}
