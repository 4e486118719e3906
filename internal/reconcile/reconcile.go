// Package reconcile audits persisted segment windows against a fresh rollup
// of the raw bins they were derived from.
//
// Both sides are joined on (segment_id, t_start, t_end). A window fails when
// its relative error exceeds the tolerance or when it exists on one side only.
package reconcile

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rewired-gh/runflow/internal/aggregate"
	"github.com/rewired-gh/runflow/internal/models"
)

// DefaultTolerance is the largest relative error a window may carry.
const DefaultTolerance = 0.02

// RelErr returns |canonical - fresh| / max(ε, canonical). Two means that are
// both below ε agree by definition.
func RelErr(canonical, fresh float64) float64 {
	if math.Abs(canonical) < aggregate.Epsilon && math.Abs(fresh) < aggregate.Epsilon {
		return 0
	}
	return math.Abs(canonical-fresh) / math.Max(aggregate.Epsilon, math.Abs(canonical))
}

// Mismatch describes one failing window.
type Mismatch struct {
	Key       models.WindowKey
	Canonical float64
	Fresh     float64
	RelErr    float64
	Missing   string // "canonical" or "fresh" when the window is absent on that side
}

// SegmentStats summarizes the errors of one segment.
type SegmentStats struct {
	SegmentID string
	Windows   int
	Failed    int
	MeanErr   float64
	P95Err    float64
	MaxErr    float64
}

// Report is the outcome of one reconciliation.
type Report struct {
	Tolerance  float64
	Windows    int
	Segments   []SegmentStats
	Mismatches []Mismatch
}

// Passed reports whether every window reconciled.
func (r *Report) Passed() bool {
	return len(r.Mismatches) == 0
}

// Validate recomputes segment windows from bins and compares them with the
// canonical set. A non-positive tolerance selects DefaultTolerance.
func Validate(canonical []models.SegmentWindow, bins []models.Bin, tolerance float64) *Report {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	fresh := aggregate.Aggregate(bins, nil)

	canon := make(map[models.WindowKey]models.SegmentWindow, len(canonical))
	for _, w := range canonical {
		canon[w.Key()] = w
	}
	fr := make(map[models.WindowKey]models.SegmentWindow, len(fresh))
	for _, w := range fresh {
		fr[w.Key()] = w
	}

	keys := make([]models.WindowKey, 0, len(canon)+len(fr))
	for k := range canon {
		keys = append(keys, k)
	}
	for k := range fr {
		if _, ok := canon[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	rep := &Report{Tolerance: tolerance, Windows: len(keys)}
	errs := make(map[string][]float64)
	failed := make(map[string]int)
	missing := make(map[string]int)
	var order []string

	for _, k := range keys {
		if _, seen := errs[k.SegmentID]; !seen {
			order = append(order, k.SegmentID)
			errs[k.SegmentID] = nil
		}
		c, okC := canon[k]
		f, okF := fr[k]
		switch {
		case !okC:
			rep.Mismatches = append(rep.Mismatches, Mismatch{Key: k, Fresh: f.DensityMean, RelErr: math.Inf(1), Missing: "canonical"})
			failed[k.SegmentID]++
			missing[k.SegmentID]++
			continue
		case !okF:
			rep.Mismatches = append(rep.Mismatches, Mismatch{Key: k, Canonical: c.DensityMean, RelErr: math.Inf(1), Missing: "fresh"})
			failed[k.SegmentID]++
			missing[k.SegmentID]++
			continue
		}

		e := RelErr(c.DensityMean, f.DensityMean)
		errs[k.SegmentID] = append(errs[k.SegmentID], e)
		if e > tolerance {
			rep.Mismatches = append(rep.Mismatches, Mismatch{Key: k, Canonical: c.DensityMean, Fresh: f.DensityMean, RelErr: e})
			failed[k.SegmentID]++
		}
	}

	for _, seg := range order {
		rep.Segments = append(rep.Segments, summarize(seg, errs[seg], failed[seg], missing[seg]))
	}
	return rep
}

// summarize computes error statistics over the joined windows of a segment.
// Windows missing on either side count towards Windows and Failed only.
func summarize(segmentID string, errs []float64, failed, missing int) SegmentStats {
	s := SegmentStats{SegmentID: segmentID, Windows: len(errs) + missing, Failed: failed}
	if len(errs) == 0 {
		return s
	}
	sorted := make([]float64, len(errs))
	copy(sorted, errs)
	sort.Float64s(sorted)

	s.MeanErr = stat.Mean(sorted, nil)
	s.P95Err = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	s.MaxErr = floats.Max(sorted)
	return s
}
