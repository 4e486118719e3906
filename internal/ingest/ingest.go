// Package ingest turns loosely typed runner rows into canonical records and
// constant-pace trajectories.
//
// Upstream files spell the same field several ways ("bib", "runner_id",
// "bib_number"...). Every spelling is resolved once here through a static
// alias table; nothing past this package sees the variants.
package ingest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/models"
)

var log = logger.For("ingest")

// ErrMissingField is wrapped when a required field has no value under any alias.
var ErrMissingField = errors.New("missing field")

// Canonical field names.
const (
	FieldBib         = "bib"
	FieldEvent       = "event"
	FieldPace        = "pace"
	FieldStartOffset = "start_offset"
)

// aliases maps every accepted spelling to its canonical field.
var aliases = map[string]string{
	"bib":             FieldBib,
	"bib_number":      FieldBib,
	"runner_id":       FieldBib,
	"event":           FieldEvent,
	"event_name":      FieldEvent,
	"race":            FieldEvent,
	"pace":            FieldPace,
	"pace_min_per_km": FieldPace,
	"start_offset":    FieldStartOffset,
	"start_offset_s":  FieldStartOffset,
	"offset_s":        FieldStartOffset,
}

// RunnerRecord is one runner in canonical form.
type RunnerRecord struct {
	Bib            string  `json:"bib"`
	Event          string  `json:"event"`
	PaceMinPerKm   float64 `json:"pace_min_per_km"`
	StartOffsetSec float64 `json:"start_offset_s"`
}

// Validate checks the record.
func (r *RunnerRecord) Validate() error {
	if r.Bib == "" {
		return fmt.Errorf("%w: bib", ErrMissingField)
	}
	if r.Event == "" {
		return fmt.Errorf("runner %s: %w: event", r.Bib, ErrMissingField)
	}
	if r.PaceMinPerKm <= 0 {
		return fmt.Errorf("runner %s: pace must be positive, got %v", r.Bib, r.PaceMinPerKm)
	}
	if r.StartOffsetSec < 0 {
		return fmt.Errorf("runner %s: start offset must not be negative", r.Bib)
	}
	return nil
}

// canonicalize folds a row's keys onto canonical names. Two spellings of the
// same field in one row are an error.
func canonicalize(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(row))
	seen := make(map[string]string, len(row))
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		field, ok := aliases[strings.ToLower(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		if prev, dup := seen[field]; dup {
			return nil, fmt.Errorf("fields %q and %q both set %s", prev, k, field)
		}
		seen[field] = k
		out[field] = row[k]
	}
	return out, nil
}

// Resolve converts one raw row into a validated RunnerRecord. Unknown keys are
// ignored; a missing start offset means 0.
func Resolve(row map[string]any) (RunnerRecord, error) {
	fields, err := canonicalize(row)
	if err != nil {
		return RunnerRecord{}, err
	}

	var rec RunnerRecord
	if rec.Bib, err = cast.ToStringE(fields[FieldBib]); err != nil {
		return RunnerRecord{}, fmt.Errorf("bib: %w", err)
	}
	if rec.Event, err = cast.ToStringE(fields[FieldEvent]); err != nil {
		return RunnerRecord{}, fmt.Errorf("runner %s: event: %w", rec.Bib, err)
	}
	rec.Event = strings.ToLower(strings.TrimSpace(rec.Event))

	pace, ok := fields[FieldPace]
	if !ok {
		return RunnerRecord{}, fmt.Errorf("runner %s: %w: pace", rec.Bib, ErrMissingField)
	}
	if rec.PaceMinPerKm, err = cast.ToFloat64E(pace); err != nil {
		return RunnerRecord{}, fmt.Errorf("runner %s: pace: %w", rec.Bib, err)
	}
	if off, ok := fields[FieldStartOffset]; ok {
		if rec.StartOffsetSec, err = cast.ToFloat64E(off); err != nil {
			return RunnerRecord{}, fmt.Errorf("runner %s: start offset: %w", rec.Bib, err)
		}
	}

	if err := rec.Validate(); err != nil {
		return RunnerRecord{}, err
	}
	return rec, nil
}

// RowError reports a row that could not be resolved.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// ResolveAll resolves every row. Bad rows are skipped and returned as
// RowErrors; duplicate (event, bib) pairs are rejected the same way.
func ResolveAll(rows []map[string]any) ([]RunnerRecord, []RowError) {
	var out []RunnerRecord
	var errs []RowError
	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		rec, err := Resolve(row)
		if err != nil {
			errs = append(errs, RowError{Row: i, Err: err})
			continue
		}
		key := rec.Event + "/" + rec.Bib
		if seen[key] {
			errs = append(errs, RowError{Row: i, Err: fmt.Errorf("duplicate bib %s in event %s", rec.Bib, rec.Event)})
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	if len(errs) > 0 {
		log.Warn("%d of %d runner rows rejected", len(errs), len(rows))
	}
	return out, errs
}

// Trajectories builds a constant-pace trajectory for every record. Each event
// needs a course length; eventStart holds each event's gun time in seconds on
// the run clock (absent means 0).
func Trajectories(records []RunnerRecord, courseKm, eventStart map[string]float64) ([]models.RunnerTrajectory, error) {
	out := make([]models.RunnerTrajectory, 0, len(records))
	for _, r := range records {
		length, ok := courseKm[r.Event]
		if !ok || length <= 0 {
			return nil, fmt.Errorf("runner %s: no course length for event %q", r.Bib, r.Event)
		}
		start := eventStart[r.Event] + r.StartOffsetSec
		out = append(out, models.FromPace(r.Bib, r.Event, start, r.PaceMinPerKm, length))
	}
	return out, nil
}
