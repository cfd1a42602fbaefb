// Package runstore provides persistent storage for render run state and
// per-slide results using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus represents the current state of a render run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run describes one invocation of the heatmap pipeline.
type Run struct {
	ID         string     `json:"run_id"`
	Checkpoint string     `json:"checkpoint"`
	FeatureDir string     `json:"feature_dir"`
	OutputDir  string     `json:"output_dir"`
	Categories []string   `json:"categories"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CategoryResult holds one category's slide-level outcome.
type CategoryResult struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	HeatmapPath string  `json:"heatmap_path"`
}

// SlideResult holds the recorded outputs for one slide within a run.
type SlideResult struct {
	Slide         string           `json:"slide"`
	RunID         string           `json:"run_id"`
	Status        string           `json:"status"`
	Error         string           `json:"error,omitempty"`
	Tiles         int              `json:"tiles"`
	GridRows      int              `json:"grid_rows"`
	GridCols      int              `json:"grid_cols"`
	StrideUm      float64          `json:"stride_um"`
	ThumbnailPath string           `json:"thumbnail_path,omitempty"`
	OverviewPath  string           `json:"overview_path,omitempty"`
	Categories    []CategoryResult `json:"categories,omitempty"`
	RenderedAt    time.Time        `json:"rendered_at"`
}

// Store provides persistent storage for render runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		checkpoint TEXT NOT NULL,
		feature_dir TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		categories_json TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

	CREATE TABLE IF NOT EXISTS slide_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		slide TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT DEFAULT '',
		tiles INTEGER DEFAULT 0,
		grid_rows INTEGER DEFAULT 0,
		grid_cols INTEGER DEFAULT 0,
		stride_um REAL DEFAULT 0,
		thumbnail_path TEXT DEFAULT '',
		overview_path TEXT DEFAULT '',
		categories_json TEXT DEFAULT '[]',
		rendered_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE,
		UNIQUE (run_id, slide)
	);

	CREATE INDEX IF NOT EXISTS idx_slide_results_run ON slide_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_slide_results_slide ON slide_results(slide);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a new run record with status=running.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	catsJSON, err := json.Marshal(run.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, checkpoint, feature_dir, output_dir, categories_json, status, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Checkpoint,
		run.FeatureDir,
		run.OutputDir,
		string(catsJSON),
		string(run.Status),
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
	)
	return err
}

// FinishRun marks a run completed or failed with a finish time.
func (s *Store) FinishRun(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(status), errMsg, now, runID)
	return err
}

// GetRun retrieves a run by ID. Returns nil when no run exists.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, checkpoint, feature_dir, output_dir, categories_json, status, error, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, checkpoint, feature_dir, output_dir, categories_json, status, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordSlide upserts the result row for one slide within a run.
func (s *Store) RecordSlide(res *SlideResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	catsJSON, err := json.Marshal(res.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal category results: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO slide_results (run_id, slide, status, error, tiles, grid_rows, grid_cols, stride_um, thumbnail_path, overview_path, categories_json, rendered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, slide) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			tiles = excluded.tiles,
			grid_rows = excluded.grid_rows,
			grid_cols = excluded.grid_cols,
			stride_um = excluded.stride_um,
			thumbnail_path = excluded.thumbnail_path,
			overview_path = excluded.overview_path,
			categories_json = excluded.categories_json,
			rendered_at = excluded.rendered_at
	`,
		res.RunID,
		res.Slide,
		res.Status,
		res.Error,
		res.Tiles,
		res.GridRows,
		res.GridCols,
		res.StrideUm,
		res.ThumbnailPath,
		res.OverviewPath,
		string(catsJSON),
		res.RenderedAt.Format(time.RFC3339),
	)
	return err
}

// GetSlide retrieves one slide's result within a run. Returns nil when the
// slide has not been recorded.
func (s *Store) GetSlide(runID, slide string) (*SlideResult, error) {
	row := s.db.QueryRow(`
		SELECT run_id, slide, status, error, tiles, grid_rows, grid_cols, stride_um, thumbnail_path, overview_path, categories_json, rendered_at
		FROM slide_results WHERE run_id = ? AND slide = ?
	`, runID, slide)

	res, err := scanSlide(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return res, err
}

// ListSlides returns all slide results for a run, by slide name.
func (s *Store) ListSlides(runID string) ([]*SlideResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, slide, status, error, tiles, grid_rows, grid_cols, stride_um, thumbnail_path, overview_path, categories_json, rendered_at
		FROM slide_results WHERE run_id = ?
		ORDER BY slide ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SlideResult
	for rows.Next() {
		res, err := scanSlide(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// LatestRun returns the most recently created run, or nil when there is none.
func (s *Store) LatestRun() (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, checkpoint, feature_dir, output_dir, categories_json, status, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT 1
	`)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var catsJSON string
	var createdAtStr string
	var finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Checkpoint,
		&run.FeatureDir,
		&run.OutputDir,
		&catsJSON,
		&run.Status,
		&run.Error,
		&createdAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(catsJSON), &run.Categories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanSlide(scan func(dest ...any) error) (*SlideResult, error) {
	var res SlideResult
	var catsJSON string
	var renderedAtStr string

	err := scan(
		&res.RunID,
		&res.Slide,
		&res.Status,
		&res.Error,
		&res.Tiles,
		&res.GridRows,
		&res.GridCols,
		&res.StrideUm,
		&res.ThumbnailPath,
		&res.OverviewPath,
		&catsJSON,
		&renderedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(catsJSON), &res.Categories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal category results: %w", err)
	}
	res.RenderedAt, _ = time.Parse(time.RFC3339, renderedAtStr)
	return &res, nil
}
