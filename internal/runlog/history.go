package runlog

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// schema.sql creates the runs and layers tables.
//
//go:embed schema.sql
var schemaSQL string

// History stores runs in a sqlite database so outcomes can be compared
// across prints.
type History struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// OpenHistory opens (or creates) the database at path and applies the
// schema.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}
	return &History{db: db, now: time.Now}, nil
}

// RunID returns the identifier of the current run, empty before Begin.
func (h *History) RunID() string {
	return h.runID
}

// Begin starts a new run record.
func (h *History) Begin(config []Entry) error {
	cfg := make(map[string]string, len(config))
	for _, e := range config {
		cfg[e.Key] = e.Value
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	h.runID = uuid.New().String()
	_, err = h.db.Exec(
		`INSERT INTO runs (run_id, started_at, config_json) VALUES (?, ?, ?)`,
		h.runID, h.now().UnixNano(), string(blob))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Record inserts one layer row.
func (h *History) Record(o LayerOutcome) error {
	if h.runID == "" {
		return errors.New("history: Record before Begin")
	}
	_, err := h.db.Exec(`
		INSERT INTO layers (run_id, layer_index, defect_count, flagged, corrected, started_at, captured_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.runID, o.LayerIndex, o.DefectCount, o.Flagged, o.Corrected,
		o.StartedAt.UnixNano(), nullTime(o.CapturedAt), o.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert layer %d: %w", o.LayerIndex, err)
	}
	return nil
}

// Finish closes the run record.
func (h *History) Finish(s Summary) error {
	if h.runID == "" {
		return errors.New("history: Finish before Begin")
	}
	var errText sql.NullString
	if s.Err != nil {
		errText = sql.NullString{String: s.Err.Error(), Valid: true}
	}
	_, err := h.db.Exec(`
		UPDATE runs SET finished_at = ?, layers = ?, flagged = ?, corrected = ?, error = ?
		WHERE run_id = ?`,
		h.now().UnixNano(), s.Layers, FormatList(s.Flagged), FormatList(s.Corrected), errText, h.runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Outcomes returns the layer records of a run ordered by layer.
func (h *History) Outcomes(runID string) ([]LayerOutcome, error) {
	rows, err := h.db.Query(`
		SELECT layer_index, defect_count, flagged, corrected, started_at, captured_at, finished_at
		FROM layers WHERE run_id = ? ORDER BY layer_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LayerOutcome
	for rows.Next() {
		var (
			o                 LayerOutcome
			started, finished int64
			captured          sql.NullInt64
		)
		if err := rows.Scan(&o.LayerIndex, &o.DefectCount, &o.Flagged, &o.Corrected, &started, &captured, &finished); err != nil {
			return nil, err
		}
		o.StartedAt = time.Unix(0, started)
		o.FinishedAt = time.Unix(0, finished)
		if captured.Valid {
			o.CapturedAt = time.Unix(0, captured.Int64)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
