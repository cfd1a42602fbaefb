// Package api provides the HTTP surface of the heatmap result viewer.
package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/slide-maps/heatmaps/internal/runstore"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Runs        *runstore.Store
	OutputDir   string
	CORSOrigins []string
	Cache       *FileCache
}

// NewRouter creates the viewer HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", runsHandler(cfg.Runs))
		r.Get("/runs/{run}", runHandler(cfg.Runs))
		r.Get("/runs/{run}/slides", runSlidesHandler(cfg.Runs))
		r.Get("/slides", latestSlidesHandler(cfg.Runs))
		r.Get("/slides/{slide}", latestSlideHandler(cfg.Runs))
	})

	r.Get("/files/*", filesHandler(cfg.OutputDir, cfg.Cache))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runsHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := runs.ListRuns()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []*runstore.Run{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": list})
	}
}

func runHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := runs.GetRun(chi.URLParam(r, "run"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func runSlidesHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run")
		run, err := runs.GetRun(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		slides, err := runs.ListSlides(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if slides == nil {
			slides = []*runstore.SlideResult{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"run": runID, "slides": slides})
	}
}

func latestRun(runs *runstore.Store, w http.ResponseWriter) *runstore.Run {
	run, err := runs.LatestRun()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	if run == nil {
		http.Error(w, "no runs recorded", http.StatusNotFound)
		return nil
	}
	return run
}

func latestSlidesHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := latestRun(runs, w)
		if run == nil {
			return
		}
		slides, err := runs.ListSlides(run.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if slides == nil {
			slides = []*runstore.SlideResult{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"run": run.ID, "slides": slides})
	}
}

func latestSlideHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := latestRun(runs, w)
		if run == nil {
			return
		}
		res, err := runs.GetSlide(run.ID, chi.URLParam(r, "slide"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if res == nil {
			http.Error(w, "slide not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// filesHandler serves rendered outputs from the output directory with an
// in-memory cache in front. Paths are confined to the output root.
func filesHandler(outputDir string, cache *FileCache) http.HandlerFunc {
	root, _ := filepath.Abs(outputDir)
	return func(w http.ResponseWriter, r *http.Request) {
		rel := chi.URLParam(r, "*")
		full, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil || !strings.HasPrefix(full, root+string(os.PathSeparator)) {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		ctype := mime.TypeByExtension(filepath.Ext(full))
		if ctype == "" {
			ctype = "application/octet-stream"
		}

		if cache != nil {
			if data, ok := cache.Get(rel); ok {
				w.Header().Set("Content-Type", ctype)
				w.Write(data)
				return
			}
		}

		data, err := os.ReadFile(full)
		if err != nil {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		if cache != nil {
			cache.Set(rel, data)
		}
		w.Header().Set("Content-Type", ctype)
		w.Write(data)
	}
}
