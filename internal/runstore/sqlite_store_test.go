package runstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := &Run{
		ID:         "run-1",
		Checkpoint: "/models/mil.json",
		FeatureDir: "/data/feats",
		OutputDir:  "/data/out",
		Categories: []string{"tumor", "normal"},
		Status:     RunStatusRunning,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for existing run")
	}
	if got.Status != RunStatusRunning || len(got.Categories) != 2 || got.Categories[0] != "tumor" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.FinishedAt != nil {
		t.Error("new run should have no finish time")
	}

	if err := s.FinishRun("run-1", RunStatusCompleted, ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, err = s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusCompleted || got.FinishedAt == nil {
		t.Errorf("run not finished: %+v", got)
	}

	missing, err := s.GetRun("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("GetRun for unknown id should return nil")
	}
}

func TestRecordSlide_Upsert(t *testing.T) {
	s := newTestStore(t)

	run := &Run{ID: "run-1", Status: RunStatusRunning, CreatedAt: time.Now()}
	if err := s.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	res := &SlideResult{
		RunID:    "run-1",
		Slide:    "slide_a",
		Status:   "rendered",
		Tiles:    120,
		GridRows: 10,
		GridCols: 12,
		StrideUm: 256,
		Categories: []CategoryResult{
			{Name: "tumor", Probability: 0.91, HeatmapPath: "scores-slide_a-score_tumor=0.91.png"},
		},
		RenderedAt: time.Now(),
	}
	if err := s.RecordSlide(res); err != nil {
		t.Fatalf("RecordSlide: %v", err)
	}

	// Re-record the same slide with updated values.
	res.Tiles = 121
	res.Categories[0].Probability = 0.92
	if err := s.RecordSlide(res); err != nil {
		t.Fatalf("RecordSlide (upsert): %v", err)
	}

	got, err := s.GetSlide("run-1", "slide_a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetSlide returned nil")
	}
	if got.Tiles != 121 {
		t.Errorf("tiles = %d, want 121 after upsert", got.Tiles)
	}
	if len(got.Categories) != 1 || got.Categories[0].Probability != 0.92 {
		t.Errorf("categories = %+v", got.Categories)
	}

	list, err := s.ListSlides("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("ListSlides returned %d rows, want 1", len(list))
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)

	old := &Run{ID: "old", Status: RunStatusCompleted, CreatedAt: time.Now().Add(-time.Hour)}
	recent := &Run{ID: "recent", Status: RunStatusRunning, CreatedAt: time.Now()}
	if err := s.CreateRun(old); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(recent); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "recent" {
		t.Errorf("unexpected order: %v, %v", runs[0].ID, runs[1].ID)
	}

	latest, err := s.LatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != "recent" {
		t.Errorf("LatestRun = %+v", latest)
	}
}

func TestMarkRunningAsFailed(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateRun(&Run{ID: "stuck", Status: RunStatusRunning, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunningAsFailed("interrupted"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun("stuck")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusFailed || got.Error != "interrupted" || got.FinishedAt == nil {
		t.Errorf("run not failed: %+v", got)
	}
}
