// store.go - Laufarchiv
//
// Dieses Modul enthaelt:
// - Store: SQLite-Archiv fuer Laeufe, Skalare und Bildartefakte
// - Recorder: an einen Lauf gebundener Metrik-Sink
//
// SQLite verwaltet sein eigenes Locking; der WAL-Modus laesst das
// Dashboard lesen, ohne den Schreiber des laufenden Trainings zu
// blockieren. Bilder liegen als PNG neben der Datenbank, die Tabelle
// haelt nur relative Pfade.
package track

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren

	"github.com/ursa-ml/ursa/vision"
)

// ErrRunNotFound meldet eine unbekannte Lauf-ID
var ErrRunNotFound = errors.New("run not found")

// Store wraps the archive database and its artifact directory.
type Store struct {
	conn *sql.DB
	dir  string
}

// Open opens or creates the run archive under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "track.db")
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn, dir: dir}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

// Close schreibt den WAL zurueck und schliesst die Verbindung
func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

// Dir returns the archive root holding database and artifacts.
func (s *Store) Dir() string { return s.dir }

// init initialisiert das Datenbankschema
func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scalars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_scalars_run_name_step ON scalars(run_id, name, step);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_images_run_step ON images(run_id, step);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Run is one recorded training run.
type Run struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}

// Scalar is one recorded metric point.
type Scalar struct {
	Step  int     `json:"step"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ImageRef points at one recorded artifact below the archive root.
type ImageRef struct {
	Step int    `json:"step"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// NewRecorder registers a run and returns the sink that records into
// it. config is stored as JSON alongside the run.
func (s *Store) NewRecorder(name string, config any) (*Recorder, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	id := uuid.NewString()
	if _, err := s.conn.Exec(
		"INSERT INTO runs (id, name, config) VALUES (?, ?, ?)",
		id, name, string(cfg),
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Recorder{store: s, runID: id}, nil
}

// Runs returns all recorded runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.conn.Query("SELECT id, name, config, created_at FROM runs ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var cfg string
		if err := rows.Scan(&r.ID, &r.Name, &cfg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Config = json.RawMessage(cfg)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Run looks a single run up by id.
func (s *Store) Run(id string) (*Run, error) {
	var r Run
	var cfg string
	err := s.conn.QueryRow(
		"SELECT id, name, config, created_at FROM runs WHERE id = ?", id,
	).Scan(&r.ID, &r.Name, &cfg, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	r.Config = json.RawMessage(cfg)
	return &r, nil
}

// ScalarNames returns the distinct metric names a run recorded.
func (s *Store) ScalarNames(runID string) ([]string, error) {
	rows, err := s.conn.Query("SELECT DISTINCT name FROM scalars WHERE run_id = ? ORDER BY name", runID)
	if err != nil {
		return nil, fmt.Errorf("query scalar names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan scalar name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scalar names: %w", err)
	}
	return names, nil
}

// Scalars returns a run's metric points in step order. An empty name
// selects every metric, ordered by name first.
func (s *Store) Scalars(runID, name string) ([]Scalar, error) {
	query := "SELECT step, name, value FROM scalars WHERE run_id = ? ORDER BY name, step, id"
	args := []any{runID}
	if name != "" {
		query = "SELECT step, name, value FROM scalars WHERE run_id = ? AND name = ? ORDER BY step, id"
		args = append(args, name)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scalars: %w", err)
	}
	defer rows.Close()

	var vals []Scalar
	for rows.Next() {
		var v Scalar
		if err := rows.Scan(&v.Step, &v.Name, &v.Value); err != nil {
			return nil, fmt.Errorf("scan scalar: %w", err)
		}
		vals = append(vals, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scalars: %w", err)
	}
	return vals, nil
}

// Images returns a run's artifact references in step order.
func (s *Store) Images(runID string) ([]ImageRef, error) {
	rows, err := s.conn.Query("SELECT step, name, path FROM images WHERE run_id = ? ORDER BY step, name", runID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var refs []ImageRef
	for rows.Next() {
		var r ImageRef
		if err := rows.Scan(&r.Step, &r.Name, &r.Path); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return refs, nil
}

// Recorder records metrics for one run. It is the metrics sink the
// training session writes into.
type Recorder struct {
	store *Store
	runID string
}

// RunID returns the archive id of the recorded run.
func (r *Recorder) RunID() string { return r.runID }

// Scalar records one metric point.
func (r *Recorder) Scalar(step int, name string, value float64) error {
	if _, err := r.store.conn.Exec(
		"INSERT INTO scalars (run_id, step, name, value) VALUES (?, ?, ?, ?)",
		r.runID, step, name, value,
	); err != nil {
		return fmt.Errorf("insert scalar: %w", err)
	}
	return nil
}

// Image stores img as PNG below the archive root and records the
// reference.
func (r *Recorder) Image(step int, name string, img image.Image) error {
	dir := filepath.Join(r.store.dir, "artifacts", r.runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file := fmt.Sprintf("%d_%s.png", step, sanitize(name))
	if err := vision.SavePNG(filepath.Join(dir, file), img); err != nil {
		return err
	}

	rel := filepath.Join("artifacts", r.runID, file)
	if _, err := r.store.conn.Exec(
		"INSERT INTO images (run_id, step, name, path) VALUES (?, ?, ?, ?)",
		r.runID, step, name, rel,
	); err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// sanitize keeps metric names filesystem-safe.
func sanitize(name string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		default:
			return '_'
		}
	}, name)
}
