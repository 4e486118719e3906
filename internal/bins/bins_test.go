package bins

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/runflow/internal/los"
	"github.com/rewired-gh/runflow/internal/models"
)

func ptr(v float64) *float64 { return &v }

func testRules(t *testing.T) *los.Rulebook {
	t.Helper()
	table, err := los.NewTable(map[string]los.BandSpec{
		"A": {Min: 0, Max: ptr(0.36)},
		"B": {Min: 0.36, Max: ptr(0.54)},
		"C": {Min: 0.54, Max: ptr(0.72)},
		"D": {Min: 0.72, Max: ptr(1.08)},
		"E": {Min: 1.08, Max: ptr(1.63)},
		"F": {Min: 1.63},
	})
	require.NoError(t, err)
	return &los.Rulebook{Schemas: map[string]los.Schema{"on_course_open": {Density: table}}}
}

func testRun() models.RunContext {
	return models.NewRunContext(time.Date(2025, 10, 19, 7, 0, 0, 0, time.UTC), time.Now())
}

func testSegment() models.CourseSegment {
	return models.CourseSegment{
		ID:        "B1",
		StartKm:   0,
		EndKm:     1.0,
		WidthM:    5,
		Direction: models.DirectionUni,
		FlowType:  models.FlowNone,
		Schema:    "on_course_open",
	}
}

func TestFlowRate(t *testing.T) {
	assert.Equal(t, 40.0, FlowRate(240, 6.0, 60))
	assert.Equal(t, 0.0, FlowRate(240, 6.0, 0))
	assert.Equal(t, 0.0, FlowRate(17, 3.5, 0))
	assert.Equal(t, 0.0, FlowRate(10, 0, 60))
}

func TestNewBuilderRejectsBadSteps(t *testing.T) {
	t.Parallel()
	rules := testRules(t)

	_, err := NewBuilder(testRun(), rules, 0, 60)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = NewBuilder(testRun(), rules, -0.1, 60)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = NewBuilder(testRun(), rules, 0.1, 0)
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestBuildSingleRunner(t *testing.T) {
	t.Parallel()
	run := testRun()
	b, err := NewBuilder(run, testRules(t), 0.5, 60)
	require.NoError(t, err)

	// 5:00 min/km from the epoch: reaches 0.5 km at 150s and 1.0 km at 300s.
	runners := []models.RunnerTrajectory{models.FromPace("7", "10k", 0, 5, 10)}
	got, err := b.Build(testSegment(), runners)
	require.NoError(t, err)
	require.Len(t, got, 5*2, "5 windows x 2 slices")

	at := func(w, i int) models.Bin { return got[w*2+i] }

	first := at(0, 0)
	assert.Equal(t, "B1:0.000-0.500:0000", first.ID)
	assert.Equal(t, run.Epoch, first.TStart)
	assert.Equal(t, run.Epoch.Add(time.Minute), first.TEnd)
	assert.Equal(t, 1, first.Occupancy)
	assert.InDelta(t, 1.0/(500*5), first.Density, 1e-12)
	assert.Equal(t, 1, first.Crossings)
	assert.InDelta(t, FlowRate(1, 5, 60), first.Rate, 1e-12)
	assert.Equal(t, "A", first.LOS)

	assert.Equal(t, 0, at(0, 1).Occupancy)

	// window 2 spans 0.4–0.6 km: both slices are touched, slice 1 entered.
	assert.Equal(t, 1, at(2, 0).Occupancy)
	assert.Equal(t, 1, at(2, 1).Occupancy)
	assert.Equal(t, 1, at(2, 1).Crossings)
	assert.Equal(t, 0, at(2, 0).Crossings)

	// finishing exactly on the segment end stays in the last slice
	assert.Equal(t, 1, at(4, 1).Occupancy)
	assert.Equal(t, 0, at(4, 0).Occupancy)

	for _, bin := range got {
		assert.NoError(t, bin.Validate())
	}
}

func TestBuildWindowEdgesAreHalfOpen(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.25, 60)
	require.NoError(t, err)

	// 4:00 min/km reaches each slice edge exactly on a window boundary
	seg := testSegment()
	seg.EndKm = 0.5
	got, err := b.Build(seg, []models.RunnerTrajectory{models.FromPace("1", "10k", 0, 4, 10)})
	require.NoError(t, err)
	require.Len(t, got, 2*2, "2 windows x 2 slices")

	tests := []struct {
		id        string
		occupancy int
		crossings int
	}{
		{"B1:0.000-0.250:0000", 1, 1},
		{"B1:0.250-0.500:0000", 0, 0},
		{"B1:0.000-0.250:0001", 0, 0},
		{"B1:0.250-0.500:0001", 1, 1},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.id, got[i].ID)
		assert.Equal(t, tt.occupancy, got[i].Occupancy, "occupancy of %s", tt.id)
		assert.Equal(t, tt.crossings, got[i].Crossings, "crossings of %s", tt.id)
	}
}

func TestBuildWindowEdgesReversed(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.25, 60)
	require.NoError(t, err)

	seg := testSegment()
	seg.EndKm = 0.5
	seg.EventRanges = map[string]models.EventRange{"10k": {FromKm: 0, ToKm: 0.5, Reversed: true}}
	got, err := b.Build(seg, []models.RunnerTrajectory{models.FromPace("1", "10k", 0, 4, 10)})
	require.NoError(t, err)
	require.Len(t, got, 2*2)

	// runs the segment downwards: the upper slice first, then the lower one
	occ := []int{got[0].Occupancy, got[1].Occupancy, got[2].Occupancy, got[3].Occupancy}
	cross := []int{got[0].Crossings, got[1].Crossings, got[2].Crossings, got[3].Crossings}
	assert.Equal(t, []int{0, 1, 1, 0}, occ)
	assert.Equal(t, []int{0, 1, 1, 0}, cross)
}

func TestBuildClampsLastSlice(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.5, 60)
	require.NoError(t, err)

	seg := testSegment()
	seg.EndKm = 1.25
	got, err := b.Build(seg, []models.RunnerTrajectory{models.FromPace("1", "10k", 0, 4, 10)})
	require.NoError(t, err)
	require.NotEmpty(t, got)

	last := got[2]
	assert.InDelta(t, 1.0, last.StartKm, 1e-12)
	assert.InDelta(t, 1.25, last.EndKm, 1e-12)
	assert.InDelta(t, 250.0, last.LengthM(), 1e-9)
}

func TestBuildDensityAndLOS(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.1, 60)
	require.NoError(t, err)

	// 600 runners standing in the first 100 m for the whole first minute:
	// density = 600 / (100 m x 5 m) = 1.2 persons/m².
	var runners []models.RunnerTrajectory
	for i := 0; i < 600; i++ {
		runners = append(runners, models.RunnerTrajectory{
			Bib:   strconv.Itoa(i),
			Event: "full",
			Samples: []models.Sample{
				{T: 0, Km: 0},
				{T: 60, Km: 0.05},
				{T: 300, Km: 1.0},
			},
		})
	}
	got, err := b.Build(testSegment(), runners)
	require.NoError(t, err)

	assert.InDelta(t, 1.2, got[0].Density, 1e-12)
	assert.Equal(t, "E", got[0].LOS)
	assert.Equal(t, 600, got[0].Crossings)
	assert.InDelta(t, 120.0, got[0].Rate, 1e-9)
}

func TestBuildEventRanges(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.5, 60)
	require.NoError(t, err)

	seg := testSegment()
	seg.StartKm, seg.EndKm = 10, 11
	seg.EventRanges = map[string]models.EventRange{
		"full": {FromKm: 10, ToKm: 11},
		"half": {FromKm: 2, ToKm: 3},
	}
	runners := []models.RunnerTrajectory{
		models.FromPace("f1", "full", 0, 5, 42.2),
		models.FromPace("h1", "half", 0, 5, 21.1),
		models.FromPace("k1", "10k", 0, 5, 10.5),
	}
	got, err := b.Build(seg, runners)
	require.NoError(t, err)

	total := 0
	for _, bin := range got {
		total += bin.Crossings
	}
	// full and half each enter both slices once; the 10k is not routed here
	assert.Equal(t, 4, total)

	// windows begin at the earliest start, not the first arrival
	require.NotEmpty(t, got)
	assert.Equal(t, testRun().Epoch, got[0].TStart)
}

func TestBuildUnknownSchema(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.5, 60)
	require.NoError(t, err)

	seg := testSegment()
	seg.Schema = "start_corral"
	_, err = b.Build(seg, []models.RunnerTrajectory{models.FromPace("1", "10k", 0, 5, 10)})
	assert.ErrorIs(t, err, los.ErrUnknownSchema)
}

func TestBuildNoRunners(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(testRun(), testRules(t), 0.5, 60)
	require.NoError(t, err)

	got, err := b.Build(testSegment(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
