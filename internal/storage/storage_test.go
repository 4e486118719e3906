package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/runflow/internal/engine"
	"github.com/rewired-gh/runflow/internal/models"
	"github.com/rewired-gh/runflow/internal/reconcile"
)

var epoch = time.Date(2025, 10, 19, 7, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(runID string, startedAt time.Time) *engine.Result {
	run := models.RunContext{RunID: runID, StartedAt: startedAt, Epoch: epoch}
	res := &engine.Result{Run: run}

	for w := 0; w < 2; w++ {
		ts := epoch.Add(time.Duration(w) * time.Minute)
		for i := 0; i < 2; i++ {
			res.Bins = append(res.Bins, models.Bin{
				ID:        fmt.Sprintf("A1:%.3f-%.3f:%04d", float64(i)*0.1, float64(i+1)*0.1, w),
				SegmentID: "A1",
				StartKm:   float64(i) * 0.1,
				EndKm:     float64(i+1) * 0.1,
				TStart:    ts,
				TEnd:      ts.Add(time.Minute),
				Density:   0.37 * float64(w+i+1),
				Rate:      12.5,
				LOS:       "B",
				BinSizeKm: 0.1,
				Occupancy: 111 * (w + i + 1),
				Crossings: 75,
			})
		}
		res.Windows = append(res.Windows, models.SegmentWindow{
			SegmentID:   "A1",
			TStart:      ts,
			TEnd:        ts.Add(time.Minute),
			DensityMean: 0.37*float64(w) + 0.555,
			DensityPeak: 0.37 * float64(w+2),
			NBins:       2,
			LOS:         "C",
		})
	}

	res.Flags = []models.Flag{{
		ID:        runID + "-flag",
		RunID:     runID,
		SegmentID: "A1",
		Trigger:   "density_e",
		Severity:  "watch",
		TStart:    epoch.Add(time.Minute),
		TEnd:      epoch.Add(2 * time.Minute),
		Metric:    "density",
		Value:     1.11,
		Threshold: 1.08,
		BinID:     "A1:0.100-0.200:0001",
	}}

	res.Overlaps = []models.OverlapRecord{
		{
			SegmentID: "A1", EventA: "10k", EventB: "half",
			FromKmA: 0, ToKmA: 0.2, FromKmB: 5, ToKmB: 5.2,
			OvertakingB: 3, CopresenceA: 10, CopresenceB: 4, UniqueEncounters: 17, ParticipantsInvolved: 14,
			FirstOverlap: &models.Encounter{Time: epoch.Add(200500 * time.Millisecond), Km: 1.0 / 3.0, BibA: "a1", BibB: "b1"},
			Peak:         models.Peak{Time: epoch.Add(100 * time.Second), Total: 9, A: 6, B: 3, Km: 0.0833, ArealDensity: 0.015, Zone: "green"},
		},
		{
			SegmentID: "A1", EventA: "full", EventB: "half",
			Peak: models.Peak{Time: epoch, Total: 1, A: 1, Zone: "green"},
		},
	}
	return res
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	res := sampleResult("run-1", epoch.Add(-time.Hour))
	require.NoError(t, s.SaveRun(ctx, res))

	run, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, run.Epoch.Equal(epoch))
	assert.True(t, run.StartedAt.Equal(res.Run.StartedAt))

	bins, err := s.LoadBins(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(res.Bins, bins); diff != "" {
		t.Errorf("LoadBins() mismatch (-saved +loaded):\n%s", diff)
	}

	windows, err := s.LoadSegmentWindows(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(res.Windows, windows); diff != "" {
		t.Errorf("LoadSegmentWindows() mismatch (-saved +loaded):\n%s", diff)
	}

	flags, err := s.LoadFlags(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(res.Flags, flags); diff != "" {
		t.Errorf("LoadFlags() mismatch (-saved +loaded):\n%s", diff)
	}

	overlaps, err := s.LoadOverlaps(ctx, "run-1")
	require.NoError(t, err)
	// ordered by event pair on load
	want := []models.OverlapRecord{res.Overlaps[0], res.Overlaps[1]}
	if diff := cmp.Diff(want, overlaps); diff != "" {
		t.Errorf("LoadOverlaps() mismatch (-saved +loaded):\n%s", diff)
	}
	assert.Nil(t, overlaps[1].FirstOverlap)
}

func TestSaveRunTwiceFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, sampleResult("run-1", epoch)))
	assert.Error(t, s.SaveRun(ctx, sampleResult("run-1", epoch)))

	// the failed save left nothing half-written
	bins, err := s.LoadBins(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, bins, 4)
}

func TestLoadRunNotFound(t *testing.T) {
	_, err := newStore(t).LoadRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestRunsAreIsolated(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, sampleResult("run-1", epoch)))
	require.NoError(t, s.SaveRun(ctx, sampleResult("run-2", epoch.Add(time.Hour))))

	windows, err := s.LoadSegmentWindows(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, windows, 2)

	flags, err := s.LoadFlags(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "run-1-flag", flags[0].ID)
}

func TestPruneRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveRun(ctx, sampleResult(fmt.Sprintf("run-%d", i), epoch.Add(time.Duration(i)*time.Hour))))
	}

	n, err := s.PruneRuns(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i, wantKept := range []bool{false, false, true, true} {
		runID := fmt.Sprintf("run-%d", i)
		_, err := s.LoadRun(ctx, runID)
		assert.Equal(t, wantKept, err == nil, "run %s", runID)

		bins, err := s.LoadBins(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, wantKept, len(bins) > 0, "bins of %s", runID)
	}

	_, err = s.PruneRuns(ctx, 0)
	assert.Error(t, err)
}

func TestNewCreatesDataDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runflow.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(context.Background(), sampleResult("run-1", epoch)))
	require.NoError(t, s.Close())

	// reopening keeps the schema and the data
	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	windows, err := s.LoadSegmentWindows(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, windows, 2)
}

func TestPersistedRunReconciles(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, sampleResult("run-1", epoch)))

	windows, err := s.LoadSegmentWindows(ctx, "run-1")
	require.NoError(t, err)
	bins, err := s.LoadBins(ctx, "run-1")
	require.NoError(t, err)

	report := reconcile.Validate(windows, bins, reconcile.DefaultTolerance)
	assert.True(t, report.Passed(), "mismatches: %+v", report.Mismatches)
	assert.Equal(t, 2, report.Windows)
}
