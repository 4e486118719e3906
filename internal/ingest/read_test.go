package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/runflow/internal/models"
)

func TestReadRowsCSV(t *testing.T) {
	in := "runner_id,race,pace_min_per_km,offset_s\n" +
		"1021, Half,5.5,30\n" +
		"7,10k,6,\n"

	rows, err := ReadRows(strings.NewReader(in), "CSV")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	recs, errs := ResolveAll(rows)
	require.Empty(t, errs)
	assert.Equal(t, []RunnerRecord{
		{Bib: "1021", Event: "half", PaceMinPerKm: 5.5, StartOffsetSec: 30},
		{Bib: "7", Event: "10k", PaceMinPerKm: 6},
	}, recs)
}

func TestReadRowsJSON(t *testing.T) {
	in := `[{"bib": 1, "event": "full", "pace": 4.25}, {"bib": "2", "event": "full"}]`

	rows, err := ReadRows(strings.NewReader(in), "json")
	require.NoError(t, err)

	recs, errs := ResolveAll(rows)
	require.Len(t, recs, 1)
	assert.Equal(t, "1", recs[0].Bib)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrMissingField))
}

func TestReadRowsUnsupported(t *testing.T) {
	_, err := ReadRows(strings.NewReader(""), "parquet")
	assert.Error(t, err)
}

func TestReadRowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runners.csv")
	require.NoError(t, os.WriteFile(path, []byte("bib,event,pace\n1,10k,5\n"), 0o644))

	rows, err := ReadRowsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"bib": "1", "event": "10k", "pace": "5"}}, rows)
}

const segmentsYAML = `
- segment_id: A1
  label: Start to Friel
  start_km: 0
  end_km: 0.9
  width_m: 5
  direction: uni
  flow_type: overtake
  schema: start_corral
  events:
    full: {from_km: 0, to_km: 0.9}
    10k: {from_km: 0, to_km: 0.9}
- segment_id: B2
  start_km: 2
  end_km: 2.5
  width_m: 3
  direction: bi
  flow_type: counterflow
  schema: on_course_open
  events:
    half: {from_km: 2, to_km: 2.5}
    10k: {from_km: 7.5, to_km: 8, reversed: true}
`

func TestReadSegments(t *testing.T) {
	segs, err := ReadSegments(strings.NewReader(segmentsYAML))
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, "Start to Friel", segs[0].Label)
	assert.Equal(t, models.FlowOvertake, segs[0].FlowType)
	assert.Equal(t, []string{"10k", "full"}, segs[0].Events())
	assert.Equal(t, models.EventRange{FromKm: 7.5, ToKm: 8, Reversed: true}, segs[1].EventRanges["10k"])
}

func TestReadSegmentsJSON(t *testing.T) {
	in := `[{"segment_id": "C1", "start_km": 1, "end_km": 2, "width_m": 4,
		"direction": "uni", "flow_type": "none", "schema": "on_course_open"}]`

	segs, err := ReadSegments(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, 1.0, segs[0].LengthKm())
}

func TestReadSegmentsEventNamesMatchRunners(t *testing.T) {
	in := "- {segment_id: A1, start_km: 0, end_km: 1, width_m: 3, direction: uni, flow_type: merge, schema: x,\n" +
		"   events: {Full: {from_km: 0, to_km: 1}, ' HALF': {from_km: 0, to_km: 1}}}\n"

	segs, err := ReadSegments(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, []string{"full", "half"}, segs[0].Events())

	rec, err := Resolve(map[string]any{"bib": "1", "event": "Full", "pace": 5})
	require.NoError(t, err)
	_, ok := segs[0].RangeFor(rec.Event)
	assert.True(t, ok)
}

func TestReadSegmentsErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		invalid bool
	}{
		{name: "unknown field", in: "- segment_id: A1\n  widht_m: 3\n"},
		{name: "not a list", in: "segment_id: A1\n"},
		{
			name:    "event listed twice",
			in:      "- {segment_id: A1, start_km: 0, end_km: 1, width_m: 3, direction: uni, flow_type: none, schema: x, events: {full: {to_km: 1}, FULL: {to_km: 1}}}\n",
			invalid: true,
		},
		{
			name:    "invalid segment",
			in:      "- {segment_id: A1, start_km: 1, end_km: 1, width_m: 3, direction: uni, flow_type: none, schema: x}\n",
			invalid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSegments(strings.NewReader(tt.in))
			require.Error(t, err)
			assert.Equal(t, tt.invalid, errors.Is(err, models.ErrInvalidSegment), "error: %v", err)
		})
	}
}
