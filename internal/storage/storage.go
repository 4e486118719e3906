// Package storage persists run artifacts in SQLite.
//
// Each run's bins, segment windows, flags and overlap records are written in a
// single transaction keyed by run ID, so a run is either fully stored or not
// stored at all. Timestamps are stored as fixed-width ISO-8601 UTC text, which
// keeps lexical and chronological order identical.
//
// The reconciliation audit reads the persisted windows back and compares them
// with a fresh rollup of the persisted bins.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/runflow/internal/engine"
	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/models"
)

var log = logger.For("storage")

// ErrRunNotFound is returned when a run ID has no stored artifacts.
var ErrRunNotFound = errors.New("run not found")

// timeLayout is RFC 3339 with a fixed nanosecond fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	epoch       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bins (
	run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	bin_id      TEXT NOT NULL,
	segment_id  TEXT NOT NULL,
	start_km    DOUBLE NOT NULL,
	end_km      DOUBLE NOT NULL,
	t_start     TEXT NOT NULL,
	t_end       TEXT NOT NULL,
	density     DOUBLE NOT NULL,
	rate        DOUBLE NOT NULL,
	los_class   TEXT NOT NULL,
	bin_size_km DOUBLE NOT NULL,
	occupancy   INTEGER NOT NULL,
	crossings   INTEGER NOT NULL,
	PRIMARY KEY (run_id, bin_id)
);
CREATE TABLE IF NOT EXISTS segment_windows (
	run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	segment_id   TEXT NOT NULL,
	t_start      TEXT NOT NULL,
	t_end        TEXT NOT NULL,
	density_mean DOUBLE NOT NULL,
	density_peak DOUBLE NOT NULL,
	n_bins       INTEGER NOT NULL,
	los_class    TEXT NOT NULL,
	PRIMARY KEY (run_id, segment_id, t_start, t_end)
);
CREATE TABLE IF NOT EXISTS flags (
	flag_id     TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	segment_id  TEXT NOT NULL,
	trigger_id  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	t_start     TEXT NOT NULL,
	t_end       TEXT NOT NULL,
	metric      TEXT NOT NULL,
	value       DOUBLE NOT NULL,
	threshold   DOUBLE NOT NULL,
	bin_id      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS overlaps (
	run_id                TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	segment_id            TEXT NOT NULL,
	event_a               TEXT NOT NULL,
	event_b               TEXT NOT NULL,
	from_km_a             DOUBLE NOT NULL,
	to_km_a               DOUBLE NOT NULL,
	from_km_b             DOUBLE NOT NULL,
	to_km_b               DOUBLE NOT NULL,
	overtaking_a          INTEGER NOT NULL,
	overtaking_b          INTEGER NOT NULL,
	copresence_a          INTEGER NOT NULL,
	copresence_b          INTEGER NOT NULL,
	unique_encounters     INTEGER NOT NULL,
	participants_involved INTEGER NOT NULL,
	first_time            TEXT,
	first_km              DOUBLE,
	first_bib_a           TEXT,
	first_bib_b           TEXT,
	peak_time             TEXT NOT NULL,
	peak_total            INTEGER NOT NULL,
	peak_a                INTEGER NOT NULL,
	peak_b                INTEGER NOT NULL,
	peak_km               DOUBLE NOT NULL,
	peak_areal_density    DOUBLE NOT NULL,
	peak_zone             TEXT NOT NULL,
	PRIMARY KEY (run_id, segment_id, event_a, event_b)
);
CREATE INDEX IF NOT EXISTS idx_flags_run ON flags(run_id, segment_id, t_start);
`

// Storage is a SQLite-backed artifact store
type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func New(path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: SQLite serializes writers and each :memory: connection
	// is its own database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// SaveRun writes every artifact of a run in one transaction. Saving the same
// run twice is an error.
func (s *Storage) SaveRun(ctx context.Context, res *engine.Result) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	run := res.Run
	if _, err = tx.ExecContext(ctx, `INSERT INTO runs (run_id, started_at, epoch) VALUES (?, ?, ?)`,
		run.RunID, formatTime(run.StartedAt), formatTime(run.Epoch)); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}

	if err = insertBins(ctx, tx, run.RunID, res.Bins); err != nil {
		return err
	}
	if err = insertWindows(ctx, tx, run.RunID, res.Windows); err != nil {
		return err
	}
	if err = insertFlags(ctx, tx, res.Flags); err != nil {
		return err
	}
	if err = insertOverlaps(ctx, tx, run.RunID, res.Overlaps); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.RunID, err)
	}
	log.Info("saved run %s: %d bins, %d windows, %d flags, %d overlaps",
		run.RunID, len(res.Bins), len(res.Windows), len(res.Flags), len(res.Overlaps))
	return nil
}

func insertBins(ctx context.Context, tx *sql.Tx, runID string, bins []models.Bin) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bins (
		run_id, bin_id, segment_id, start_km, end_km, t_start, t_end,
		density, rate, los_class, bin_size_km, occupancy, crossings
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bins {
		if _, err := stmt.ExecContext(ctx, runID, b.ID, b.SegmentID, b.StartKm, b.EndKm,
			formatTime(b.TStart), formatTime(b.TEnd), b.Density, b.Rate, b.LOS, b.BinSizeKm,
			b.Occupancy, b.Crossings); err != nil {
			return fmt.Errorf("failed to save bin %s: %w", b.ID, err)
		}
	}
	return nil
}

func insertWindows(ctx context.Context, tx *sql.Tx, runID string, windows []models.SegmentWindow) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO segment_windows (
		run_id, segment_id, t_start, t_end, density_mean, density_peak, n_bins, los_class
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, w := range windows {
		if _, err := stmt.ExecContext(ctx, runID, w.SegmentID, formatTime(w.TStart), formatTime(w.TEnd),
			w.DensityMean, w.DensityPeak, w.NBins, w.LOS); err != nil {
			return fmt.Errorf("failed to save window %s@%s: %w", w.SegmentID, formatTime(w.TStart), err)
		}
	}
	return nil
}

func insertFlags(ctx context.Context, tx *sql.Tx, flags []models.Flag) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flags (
		flag_id, run_id, segment_id, trigger_id, severity, t_start, t_end,
		metric, value, threshold, bin_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range flags {
		if _, err := stmt.ExecContext(ctx, f.ID, f.RunID, f.SegmentID, f.Trigger, f.Severity,
			formatTime(f.TStart), formatTime(f.TEnd), f.Metric, f.Value, f.Threshold, f.BinID); err != nil {
			return fmt.Errorf("failed to save flag %s: %w", f.ID, err)
		}
	}
	return nil
}

func insertOverlaps(ctx context.Context, tx *sql.Tx, runID string, overlaps []models.OverlapRecord) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO overlaps (
		run_id, segment_id, event_a, event_b, from_km_a, to_km_a, from_km_b, to_km_b,
		overtaking_a, overtaking_b, copresence_a, copresence_b, unique_encounters, participants_involved,
		first_time, first_km, first_bib_a, first_bib_b,
		peak_time, peak_total, peak_a, peak_b, peak_km, peak_areal_density, peak_zone
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range overlaps {
		var firstTime, firstBibA, firstBibB sql.NullString
		var firstKm sql.NullFloat64
		if fo := o.FirstOverlap; fo != nil {
			firstTime = sql.NullString{String: formatTime(fo.Time), Valid: true}
			firstKm = sql.NullFloat64{Float64: fo.Km, Valid: true}
			firstBibA = sql.NullString{String: fo.BibA, Valid: true}
			firstBibB = sql.NullString{String: fo.BibB, Valid: true}
		}
		p := o.Peak
		if _, err := stmt.ExecContext(ctx, runID, o.SegmentID, o.EventA, o.EventB,
			o.FromKmA, o.ToKmA, o.FromKmB, o.ToKmB,
			o.OvertakingA, o.OvertakingB, o.CopresenceA, o.CopresenceB, o.UniqueEncounters, o.ParticipantsInvolved,
			firstTime, firstKm, firstBibA, firstBibB,
			formatTime(p.Time), p.Total, p.A, p.B, p.Km, p.ArealDensity, p.Zone); err != nil {
			return fmt.Errorf("failed to save overlap %s %s/%s: %w", o.SegmentID, o.EventA, o.EventB, err)
		}
	}
	return nil
}

// LoadRun returns the context of a stored run.
func (s *Storage) LoadRun(ctx context.Context, runID string) (models.RunContext, error) {
	var started, epoch string
	err := s.db.QueryRowContext(ctx, `SELECT started_at, epoch FROM runs WHERE run_id = ?`, runID).Scan(&started, &epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunContext{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return models.RunContext{}, err
	}

	rc := models.RunContext{RunID: runID}
	if rc.StartedAt, err = parseTime(started); err != nil {
		return models.RunContext{}, err
	}
	if rc.Epoch, err = parseTime(epoch); err != nil {
		return models.RunContext{}, err
	}
	return rc, nil
}

// LoadBins returns a run's bins ordered by segment, window, then km.
func (s *Storage) LoadBins(ctx context.Context, runID string) ([]models.Bin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		bin_id, segment_id, start_km, end_km, t_start, t_end,
		density, rate, los_class, bin_size_km, occupancy, crossings
		FROM bins WHERE run_id = ? ORDER BY segment_id, t_start, start_km`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bins: %w", err)
	}
	defer rows.Close()

	var out []models.Bin
	for rows.Next() {
		var b models.Bin
		var ts, te string
		if err := rows.Scan(&b.ID, &b.SegmentID, &b.StartKm, &b.EndKm, &ts, &te,
			&b.Density, &b.Rate, &b.LOS, &b.BinSizeKm, &b.Occupancy, &b.Crossings); err != nil {
			return nil, err
		}
		if b.TStart, err = parseTime(ts); err != nil {
			return nil, err
		}
		if b.TEnd, err = parseTime(te); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LoadSegmentWindows returns a run's segment windows ordered by segment then
// window start.
func (s *Storage) LoadSegmentWindows(ctx context.Context, runID string) ([]models.SegmentWindow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		segment_id, t_start, t_end, density_mean, density_peak, n_bins, los_class
		FROM segment_windows WHERE run_id = ? ORDER BY segment_id, t_start, t_end`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segment windows: %w", err)
	}
	defer rows.Close()

	var out []models.SegmentWindow
	for rows.Next() {
		var w models.SegmentWindow
		var ts, te string
		if err := rows.Scan(&w.SegmentID, &ts, &te, &w.DensityMean, &w.DensityPeak, &w.NBins, &w.LOS); err != nil {
			return nil, err
		}
		if w.TStart, err = parseTime(ts); err != nil {
			return nil, err
		}
		if w.TEnd, err = parseTime(te); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadFlags returns a run's flags ordered by segment, window, then trigger.
func (s *Storage) LoadFlags(ctx context.Context, runID string) ([]models.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		flag_id, segment_id, trigger_id, severity, t_start, t_end, metric, value, threshold, bin_id
		FROM flags WHERE run_id = ? ORDER BY segment_id, t_start, trigger_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	var out []models.Flag
	for rows.Next() {
		f := models.Flag{RunID: runID}
		var ts, te string
		if err := rows.Scan(&f.ID, &f.SegmentID, &f.Trigger, &f.Severity, &ts, &te,
			&f.Metric, &f.Value, &f.Threshold, &f.BinID); err != nil {
			return nil, err
		}
		if f.TStart, err = parseTime(ts); err != nil {
			return nil, err
		}
		if f.TEnd, err = parseTime(te); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LoadOverlaps returns a run's overlap records ordered by segment and event pair.
func (s *Storage) LoadOverlaps(ctx context.Context, runID string) ([]models.OverlapRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		segment_id, event_a, event_b, from_km_a, to_km_a, from_km_b, to_km_b,
		overtaking_a, overtaking_b, copresence_a, copresence_b, unique_encounters, participants_involved,
		first_time, first_km, first_bib_a, first_bib_b,
		peak_time, peak_total, peak_a, peak_b, peak_km, peak_areal_density, peak_zone
		FROM overlaps WHERE run_id = ? ORDER BY segment_id, event_a, event_b`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlaps: %w", err)
	}
	defer rows.Close()

	var out []models.OverlapRecord
	for rows.Next() {
		var o models.OverlapRecord
		var firstTime, firstBibA, firstBibB sql.NullString
		var firstKm sql.NullFloat64
		var peakTime string
		if err := rows.Scan(&o.SegmentID, &o.EventA, &o.EventB, &o.FromKmA, &o.ToKmA, &o.FromKmB, &o.ToKmB,
			&o.OvertakingA, &o.OvertakingB, &o.CopresenceA, &o.CopresenceB, &o.UniqueEncounters, &o.ParticipantsInvolved,
			&firstTime, &firstKm, &firstBibA, &firstBibB,
			&peakTime, &o.Peak.Total, &o.Peak.A, &o.Peak.B, &o.Peak.Km, &o.Peak.ArealDensity, &o.Peak.Zone); err != nil {
			return nil, err
		}
		if o.Peak.Time, err = parseTime(peakTime); err != nil {
			return nil, err
		}
		if firstTime.Valid {
			t, err := parseTime(firstTime.String)
			if err != nil {
				return nil, err
			}
			o.FirstOverlap = &models.Encounter{Time: t, Km: firstKm.Float64, BibA: firstBibA.String, BibB: firstBibB.String}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneRuns deletes all but the keep most recently started runs and returns
// how many were removed.
func (s *Storage) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const stale = `SELECT run_id FROM runs ORDER BY started_at DESC, run_id DESC LIMIT -1 OFFSET ?`
	// child rows go first; cascades depend on the foreign_keys pragma of this connection
	for _, table := range []string{"bins", "segment_windows", "flags", "overlaps"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id IN (`+stale+`)`, keep); err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info("pruned %d old runs, kept %d", n, keep)
	}
	return int(n), nil
}
