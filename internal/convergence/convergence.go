// Package convergence measures how runners of two events interact on a
// shared stretch of course.
//
// Each runner is reduced to its presence interval in the shared band, the
// closed span between reaching the band's entry edge and reaching its exit
// edge. Co-presence, encounters and overtakes are counted from those
// intervals; the first overlap is found on the piecewise-linear trajectories.
package convergence

import (
	"math"
	"sort"

	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/models"
)

// DefaultToleranceKm is how close two runners must be to share a position.
const DefaultToleranceKm = 0.001

const epsilon = 1e-9

// Zones of areal density at the peak instant.
const (
	ZoneGreen   = "green"
	ZoneAmber   = "amber"
	ZoneRed     = "red"
	ZoneDarkRed = "dark-red"
)

var log = logger.For("convergence")

// Zone grades an areal density in persons/m².
func Zone(areal float64) string {
	switch {
	case areal < 1.0:
		return ZoneGreen
	case areal < 2.0:
		return ZoneAmber
	case areal < 3.5:
		return ZoneRed
	default:
		return ZoneDarkRed
	}
}

// Detector computes overlap records for one run.
type Detector struct {
	run         models.RunContext
	toleranceKm float64
}

// NewDetector creates a Detector. A negative tolerance is treated as zero.
func NewDetector(run models.RunContext, toleranceKm float64) *Detector {
	return &Detector{run: run, toleranceKm: math.Max(0, toleranceKm)}
}

// span is a runner's presence in the band.
type span struct {
	tr   *models.RunnerTrajectory
	rng  models.EventRange
	tIn  float64
	tOut float64
}

// Detect runs DetectSegment over every segment, in segment ID order.
func (d *Detector) Detect(segments []models.CourseSegment, runners []models.RunnerTrajectory) ([]models.OverlapRecord, error) {
	sorted := make([]models.CourseSegment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []models.OverlapRecord
	for _, seg := range sorted {
		recs, err := d.DetectSegment(seg, runners)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// DetectSegment returns one record per pair of events sharing the segment,
// ordered by (event_a, event_b). Segments with flow type "none" yield nothing.
func (d *Detector) DetectSegment(seg models.CourseSegment, runners []models.RunnerTrajectory) ([]models.OverlapRecord, error) {
	if err := seg.Validate(); err != nil {
		return nil, err
	}
	if seg.FlowType == models.FlowNone {
		return nil, nil
	}

	byEvent := make(map[string][]*models.RunnerTrajectory)
	for i := range runners {
		byEvent[runners[i].Event] = append(byEvent[runners[i].Event], &runners[i])
	}
	events := seg.Events()
	if events == nil {
		for e := range byEvent {
			events = append(events, e)
		}
		sort.Strings(events)
	}

	var out []models.OverlapRecord
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			rec, ok := d.pair(seg, events[i], events[j], byEvent)
			if ok {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// band is the shared stretch of both events in segment coordinates.
func band(seg models.CourseSegment, ra, rb models.EventRange) (lo, hi float64) {
	lo, hi = math.Inf(-1), math.Inf(1)
	for _, r := range []models.EventRange{ra, rb} {
		a, b := seg.ToSegmentKm(r, r.FromKm), seg.ToSegmentKm(r, r.ToKm)
		lo = math.Max(lo, math.Min(a, b))
		hi = math.Min(hi, math.Max(a, b))
	}
	return lo, hi
}

func spans(seg models.CourseSegment, rng models.EventRange, lo, hi float64, runners []*models.RunnerTrajectory) []span {
	c1, c2 := seg.ToCourseKm(rng, lo), seg.ToCourseKm(rng, hi)
	in, out := math.Min(c1, c2), math.Max(c1, c2)
	var res []span
	for _, tr := range runners {
		tIn, ok1 := tr.TimeAt(in)
		tOut, ok2 := tr.TimeAt(out)
		if !ok1 || !ok2 {
			continue
		}
		res = append(res, span{tr: tr, rng: rng, tIn: tIn, tOut: tOut})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].tIn != res[j].tIn {
			return res[i].tIn < res[j].tIn
		}
		return res[i].tr.Bib < res[j].tr.Bib
	})
	return res
}

func (d *Detector) pair(seg models.CourseSegment, ea, eb string, byEvent map[string][]*models.RunnerTrajectory) (models.OverlapRecord, bool) {
	ra, okA := seg.RangeFor(ea)
	rb, okB := seg.RangeFor(eb)
	if !okA || !okB {
		return models.OverlapRecord{}, false
	}
	lo, hi := band(seg, ra, rb)
	if hi-lo <= epsilon {
		log.Debug("segment %s: %s/%s share no band", seg.ID, ea, eb)
		return models.OverlapRecord{}, false
	}

	a := spans(seg, ra, lo, hi, byEvent[ea])
	b := spans(seg, rb, lo, hi, byEvent[eb])
	if len(a) == 0 || len(b) == 0 {
		log.Debug("segment %s: %s/%s have no runners in the band", seg.ID, ea, eb)
		return models.OverlapRecord{}, false
	}

	rec := models.OverlapRecord{
		SegmentID: seg.ID,
		EventA:    ea,
		EventB:    eb,
		FromKmA:   ra.FromKm,
		ToKmA:     ra.ToKm,
		FromKmB:   rb.FromKm,
		ToKmB:     rb.ToKm,
	}

	rec.CopresenceA = copresent(a, b)
	rec.CopresenceB = copresent(b, a)
	rec.UniqueEncounters = encounters(a, b)
	rec.ParticipantsInvolved = rec.CopresenceA + rec.CopresenceB

	if overtakesDefined(seg, ra, rb) {
		rec.OvertakingA = passers(a, b)
		rec.OvertakingB = passers(b, a)
	}

	rec.FirstOverlap = d.firstOverlap(seg, a, b)
	rec.Peak = d.peak(seg, a, b, (hi-lo)*1000)

	log.Debug("segment %s: %s/%s encounters=%d overtakes=%d/%d peak=%d",
		seg.ID, ea, eb, rec.UniqueEncounters, rec.OvertakingA, rec.OvertakingB, rec.Peak.Total)
	return rec, true
}

// overtakesDefined is false wherever the two events can move in opposite
// directions.
func overtakesDefined(seg models.CourseSegment, ra, rb models.EventRange) bool {
	if seg.Direction == models.DirectionBi || seg.FlowType == models.FlowCounterflow {
		return false
	}
	return ra.Reversed == rb.Reversed
}

// prefixMaxOut returns running maxima of tOut over spans sorted by tIn.
func prefixMaxOut(s []span) []float64 {
	out := make([]float64, len(s))
	m := math.Inf(-1)
	for i, x := range s {
		m = math.Max(m, x.tOut)
		out[i] = m
	}
	return out
}

// countIn returns how many spans (sorted by tIn) satisfy tIn <= t, or tIn < t
// when strict is set.
func countIn(s []span, t float64, strict bool) int {
	return sort.Search(len(s), func(i int) bool {
		if strict {
			return s[i].tIn >= t
		}
		return s[i].tIn > t
	})
}

// copresent counts spans of a that intersect at least one span of b.
func copresent(a, b []span) int {
	pm := prefixMaxOut(b)
	n := 0
	for _, x := range a {
		k := countIn(b, x.tOut, false)
		if k > 0 && pm[k-1] >= x.tIn {
			n++
		}
	}
	return n
}

// encounters counts intersecting (a, b) pairs.
func encounters(a, b []span) int {
	outs := make([]float64, len(b))
	for i, x := range b {
		outs[i] = x.tOut
	}
	sort.Float64s(outs)

	n := 0
	for _, x := range a {
		started := countIn(b, x.tOut, false)
		gone := sort.SearchFloat64s(outs, x.tIn) // tOut < x.tIn
		n += started - gone
	}
	return n
}

// passers counts spans of a that entered after and left before some span of b.
// Only band entry and exit order is compared, so a pass that is undone before
// both runners leave the band counts as no pass.
func passers(a, b []span) int {
	pm := prefixMaxOut(b)
	n := 0
	for _, x := range a {
		k := countIn(b, x.tIn, true)
		if k > 0 && pm[k-1] > x.tOut {
			n++
		}
	}
	return n
}

// segKm returns the runner's segment position at t.
func segKm(seg models.CourseSegment, s span, t float64) float64 {
	km, _ := s.tr.PositionAt(math.Max(s.tr.Start(), math.Min(t, s.tr.Finish())))
	return seg.ToSegmentKm(s.rng, km)
}

func (d *Detector) firstOverlap(seg models.CourseSegment, a, b []span) *models.Encounter {
	best := math.Inf(1)
	var hit *models.Encounter
	for _, x := range a {
		if x.tIn >= best {
			break
		}
		for _, y := range b {
			if y.tIn >= best {
				break
			}
			lo, hi := math.Max(x.tIn, y.tIn), math.Min(x.tOut, y.tOut)
			if lo > hi {
				continue
			}
			t, ok := d.earliestMeet(seg, x, y, lo, hi)
			if !ok || t >= best {
				continue
			}
			best = t
			hit = &models.Encounter{
				Time: d.run.At(t),
				Km:   (segKm(seg, x, t) + segKm(seg, y, t)) / 2,
				BibA: x.tr.Bib,
				BibB: y.tr.Bib,
			}
		}
	}
	return hit
}

// earliestMeet finds the first t in [lo, hi] where the two runners share a
// position. The gap is linear between consecutive sample times of either
// trajectory, so a sign change gives the exact meeting instant. Without one,
// the earliest instant within tolerance counts as a meeting.
func (d *Detector) earliestMeet(seg models.CourseSegment, x, y span, lo, hi float64) (float64, bool) {
	ts := []float64{lo, hi}
	for _, tr := range []*models.RunnerTrajectory{x.tr, y.tr} {
		for _, smp := range tr.Samples {
			if smp.T > lo && smp.T < hi {
				ts = append(ts, smp.T)
			}
		}
	}
	sort.Float64s(ts)

	gap := func(t float64) float64 { return segKm(seg, x, t) - segKm(seg, y, t) }
	gaps := make([]float64, len(ts))
	for i, t := range ts {
		gaps[i] = gap(t)
	}

	if gaps[0] == 0 {
		return ts[0], true
	}
	for i := 1; i < len(ts); i++ {
		t0, t1, g0, g1 := ts[i-1], ts[i], gaps[i-1], gaps[i]
		if t1 == t0 {
			continue
		}
		if g1 == 0 || (g0 < 0) != (g1 < 0) {
			return t0 + g0/(g0-g1)*(t1-t0), true
		}
	}

	// near miss: the runners approach within tolerance without meeting
	tol := d.toleranceKm
	if math.Abs(gaps[0]) <= tol {
		return ts[0], true
	}
	for i := 1; i < len(ts); i++ {
		t0, t1, g0, g1 := ts[i-1], ts[i], gaps[i-1], gaps[i]
		if t1 == t0 {
			continue
		}
		switch {
		case g0 > tol && g1 <= tol:
			return t0 + (g0-tol)/(g0-g1)*(t1-t0), true
		case g0 < -tol && g1 >= -tol:
			return t0 + (-tol-g0)/(g1-g0)*(t1-t0), true
		}
	}
	return 0, false
}

// peak sweeps entries and exits for the instant of maximum combined
// occupancy. Intervals are closed, so entries sort before exits at equal
// times. The earliest maximum wins.
func (d *Detector) peak(seg models.CourseSegment, a, b []span, bandM float64) models.Peak {
	type edge struct {
		t     float64
		enter bool
		isA   bool
	}
	edges := make([]edge, 0, 2*(len(a)+len(b)))
	for _, x := range a {
		edges = append(edges, edge{x.tIn, true, true}, edge{x.tOut, false, true})
	}
	for _, y := range b {
		edges = append(edges, edge{y.tIn, true, false}, edge{y.tOut, false, false})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].t != edges[j].t {
			return edges[i].t < edges[j].t
		}
		return edges[i].enter && !edges[j].enter
	})

	var na, nb, best int
	var bestA, bestB int
	bestT := 0.0
	for _, e := range edges {
		delta := -1
		if e.enter {
			delta = 1
		}
		if e.isA {
			na += delta
		} else {
			nb += delta
		}
		if na+nb > best {
			best, bestA, bestB, bestT = na+nb, na, nb, e.t
		}
	}

	var sum float64
	for _, group := range [][]span{a, b} {
		for _, s := range group {
			if s.tIn <= bestT && bestT <= s.tOut {
				sum += segKm(seg, s, bestT)
			}
		}
	}
	km := 0.0
	if best > 0 {
		km = sum / float64(best)
	}

	areal := float64(best) / math.Max(epsilon, bandM*seg.WidthM)
	return models.Peak{
		Time:         d.run.At(bestT),
		Total:        best,
		A:            bestA,
		B:            bestB,
		Km:           km,
		ArealDensity: areal,
		Zone:         Zone(areal),
	}
}
