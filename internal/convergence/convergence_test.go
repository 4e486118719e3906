package convergence

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/runflow/internal/models"
)

var run = models.RunContext{
	RunID: "run-1",
	Epoch: time.Date(2025, 10, 19, 7, 0, 0, 0, time.UTC),
}

func openSegment(flow models.FlowType) models.CourseSegment {
	return models.CourseSegment{
		ID:        "S1",
		StartKm:   0,
		EndKm:     1,
		WidthM:    5,
		Direction: models.DirectionUni,
		FlowType:  flow,
		Schema:    "on_course_open",
	}
}

// a1 walks the segment in 600s; b1 starts 100s later at twice the speed and
// catches a1 at t=200s, km=1/3.
func crossingRunners() []models.RunnerTrajectory {
	return []models.RunnerTrajectory{
		models.FromPace("a1", "10k", 0, 10, 1),
		models.FromPace("b1", "half", 100, 5, 1),
	}
}

func TestZone(t *testing.T) {
	tests := []struct {
		areal float64
		want  string
	}{
		{0, ZoneGreen},
		{0.99, ZoneGreen},
		{1.0, ZoneAmber},
		{1.99, ZoneAmber},
		{2.0, ZoneRed},
		{3.49, ZoneRed},
		{3.5, ZoneDarkRed},
		{10, ZoneDarkRed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Zone(tt.areal), "Zone(%v)", tt.areal)
	}
}

func TestFirstOverlapExact(t *testing.T) {
	recs, err := NewDetector(run, 0).DetectSegment(openSegment(models.FlowOvertake), crossingRunners())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "10k", rec.EventA)
	assert.Equal(t, "half", rec.EventB)

	require.NotNil(t, rec.FirstOverlap)
	assert.Equal(t, run.Epoch.Add(200*time.Second), rec.FirstOverlap.Time)
	assert.InDelta(t, 1.0/3.0, rec.FirstOverlap.Km, 1e-9)
	assert.Equal(t, "a1", rec.FirstOverlap.BibA)
	assert.Equal(t, "b1", rec.FirstOverlap.BibB)
}

func TestFirstOverlapWithinTolerance(t *testing.T) {
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowOvertake), crossingRunners())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// tolerance does not move a real crossing
	fo := recs[0].FirstOverlap
	require.NotNil(t, fo)
	assert.Equal(t, run.Epoch.Add(200*time.Second), fo.Time)
	assert.InDelta(t, 1.0/3.0, fo.Km, 1e-6)
}

func TestFirstOverlapSimilarPaces(t *testing.T) {
	// the gap closes at ~0.17 m/s, so the tolerance band is entered a minute
	// before the runners actually meet at t=500s, km 5/6
	runners := []models.RunnerTrajectory{
		models.FromPace("a1", "10k", 0, 10, 1),
		models.FromPace("b1", "half", 5, 9.9, 1),
	}
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowOvertake), runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	fo := recs[0].FirstOverlap
	require.NotNil(t, fo)
	assert.Equal(t, run.Epoch.Add(500*time.Second), fo.Time)
	assert.InDelta(t, 5.0/6.0, fo.Km, 1e-6)
	assert.Equal(t, "a1", fo.BibA)
	assert.Equal(t, "b1", fo.BibB)
}

func TestFirstOverlapNearMiss(t *testing.T) {
	// b1 closes to within 0.5 m of a1 at the segment end without passing
	runners := []models.RunnerTrajectory{
		models.FromPace("a1", "10k", 0, 10, 1),
		{Bib: "b1", Event: "half", Samples: []models.Sample{{T: 100, Km: 0}, {T: 600, Km: 0.9995}, {T: 700, Km: 1}}},
	}
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowOvertake), runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].FirstOverlap)

	recs, err = NewDetector(run, 0).DetectSegment(openSegment(models.FlowOvertake), runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].FirstOverlap)
}

func TestPeakArealDensity(t *testing.T) {
	seg := openSegment(models.FlowOvertake)
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(seg, crossingRunners())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	p := recs[0].Peak
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.A)
	assert.Equal(t, 1, p.B)
	assert.Equal(t, run.Epoch.Add(100*time.Second), p.Time)
	// a1 is at 1/6 km when b1 enters at 0
	assert.InDelta(t, 1.0/12.0, p.Km, 1e-9)

	bandKm := seg.EndKm - seg.StartKm
	assert.InDelta(t, float64(p.Total)/(seg.WidthM*1000*bandKm), p.ArealDensity, 1e-12)
	assert.Equal(t, ZoneGreen, p.Zone)
}

func TestCountsOnOvertakeSegment(t *testing.T) {
	runners := append(crossingRunners(),
		models.FromPace("a2", "10k", 1000, 5, 1),  // [1000, 1300]
		models.FromPace("b2", "half", 2000, 5, 1), // [2000, 2300]
	)
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowOvertake), runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, 1, rec.CopresenceA)
	assert.Equal(t, 1, rec.CopresenceB)
	assert.Equal(t, 1, rec.UniqueEncounters)
	assert.Equal(t, 2, rec.ParticipantsInvolved)
	assert.Equal(t, 0, rec.OvertakingA)
	assert.Equal(t, 1, rec.OvertakingB)
	assert.Equal(t, 2, rec.Peak.Total)
}

func TestOvertakesCompareEntryAndExitOrder(t *testing.T) {
	// b1 is ahead of a1 at t=200 but back behind by t=500 and leaves last
	runners := []models.RunnerTrajectory{
		models.FromPace("a1", "10k", 0, 10, 1),
		{Bib: "b1", Event: "half", Samples: []models.Sample{{T: 100, Km: 0}, {T: 200, Km: 0.5}, {T: 500, Km: 0.6}, {T: 700, Km: 1}}},
	}
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowOvertake), runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].FirstOverlap)
	assert.Zero(t, recs[0].OvertakingA)
	assert.Zero(t, recs[0].OvertakingB)
	assert.Equal(t, 1, recs[0].UniqueEncounters)

	// the same surge held to the end of the band is a pass
	runners[1].Samples = []models.Sample{{T: 100, Km: 0}, {T: 200, Km: 0.5}, {T: 400, Km: 1}}
	recs, err = NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowOvertake), runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].OvertakingB)
}

func TestCounterflowHasNoOvertakes(t *testing.T) {
	for _, seg := range []models.CourseSegment{
		openSegment(models.FlowCounterflow),
		func() models.CourseSegment {
			s := openSegment(models.FlowOvertake)
			s.Direction = models.DirectionBi
			return s
		}(),
	} {
		recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(seg, crossingRunners())
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Zero(t, recs[0].OvertakingA)
		assert.Zero(t, recs[0].OvertakingB)
		assert.Equal(t, 1, recs[0].CopresenceA)
		assert.Equal(t, 1, recs[0].CopresenceB)
	}
}

func TestNoneFlowTypeIsSkipped(t *testing.T) {
	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(openSegment(models.FlowNone), crossingRunners())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEventRangesWithoutOverlap(t *testing.T) {
	seg := openSegment(models.FlowMerge)
	seg.EventRanges = map[string]models.EventRange{
		"10k":  {FromKm: 2, ToKm: 3},
		"half": {FromKm: 12, ToKm: 13},
	}
	runners := []models.RunnerTrajectory{
		models.FromPace("a1", "10k", 0, 10, 10),   // on the segment over [1200, 1800]
		models.FromPace("b1", "half", 0, 5, 21.1), // on the segment over [3600, 3900]
	}

	recs, err := NewDetector(run, DefaultToleranceKm).DetectSegment(seg, runners)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, 2.0, rec.FromKmA)
	assert.Equal(t, 13.0, rec.ToKmB)
	assert.Nil(t, rec.FirstOverlap)
	assert.Zero(t, rec.UniqueEncounters)
	assert.Zero(t, rec.CopresenceA)
	assert.Equal(t, 1, rec.Peak.Total)
}

func TestInvalidSegment(t *testing.T) {
	seg := openSegment(models.FlowOvertake)
	seg.WidthM = 0
	_, err := NewDetector(run, 0).DetectSegment(seg, crossingRunners())
	assert.ErrorIs(t, err, models.ErrInvalidSegment)
}

func randomSpans(r *rand.Rand, n int) []span {
	out := make([]span, n)
	for i := range out {
		in := float64(r.Intn(200))
		out[i] = span{tIn: in, tOut: in + float64(r.Intn(60))}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tIn < out[j].tIn })
	return out
}

func TestIntervalCountsMatchPairwise(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		a, b := randomSpans(r, 1+r.Intn(30)), randomSpans(r, 1+r.Intn(30))

		var wantCo, wantEnc, wantPass int
		for _, x := range a {
			co, pass := false, false
			for _, y := range b {
				if x.tIn <= y.tOut && y.tIn <= x.tOut {
					co = true
					wantEnc++
				}
				if x.tIn > y.tIn && x.tOut < y.tOut {
					pass = true
				}
			}
			if co {
				wantCo++
			}
			if pass {
				wantPass++
			}
		}

		require.Equal(t, wantCo, copresent(a, b), "trial %d copresence", trial)
		require.Equal(t, wantEnc, encounters(a, b), "trial %d encounters", trial)
		require.Equal(t, wantPass, passers(a, b), "trial %d passers", trial)
	}
}

func TestDetectOrdersBySegment(t *testing.T) {
	s2 := openSegment(models.FlowOvertake)
	s2.ID = "S2"
	s1 := openSegment(models.FlowParallel)

	recs, err := NewDetector(run, DefaultToleranceKm).Detect([]models.CourseSegment{s2, s1}, crossingRunners())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "S1", recs[0].SegmentID)
	assert.Equal(t, "S2", recs[1].SegmentID)
}
