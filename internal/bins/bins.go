// Package bins discretizes course segments into km-slices × time windows and
// measures how crowded each slice is.
//
// For every bin the builder reports occupancy (distinct runners inside the
// slice at any instant of the window), areal density in persons/m², and flow
// rate in persons/min/m from the runners entering the slice during the window.
// Each bin is graded with the segment schema's LOS table.
package bins

import (
	"errors"
	"fmt"
	"math"

	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/los"
	"github.com/rewired-gh/runflow/internal/models"
)

// ErrInvalidStep is returned when the spatial step or time window is not positive.
var ErrInvalidStep = errors.New("invalid bin step")

// minSliceKm drops floating-point slivers at the segment end.
const minSliceKm = 1e-9

var log = logger.For("bins")

// FlowRate converts a crossing count into persons/min/m. A zero-length window
// or non-positive width yields 0.
func FlowRate(count, widthM, seconds float64) float64 {
	if seconds <= 0 || widthM <= 0 {
		return 0
	}
	return (count / widthM) / seconds * 60
}

// Builder builds bins for one run.
type Builder struct {
	run       models.RunContext
	rules     *los.Rulebook
	stepKm    float64
	windowSec float64
}

// NewBuilder creates a Builder. stepKm and windowSec must be positive.
func NewBuilder(run models.RunContext, rules *los.Rulebook, stepKm, windowSec float64) (*Builder, error) {
	if stepKm <= 0 {
		return nil, fmt.Errorf("%w: step_km must be positive, got %v", ErrInvalidStep, stepKm)
	}
	if windowSec <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %vs", ErrInvalidStep, windowSec)
	}
	if rules == nil {
		return nil, errors.New("rulebook is required")
	}
	return &Builder{run: run, rules: rules, stepKm: stepKm, windowSec: windowSec}, nil
}

// StepKm returns the spatial step.
func (b *Builder) StepKm() float64 { return b.stepKm }

// WindowSeconds returns the time window length.
func (b *Builder) WindowSeconds() float64 { return b.windowSec }

// presence is a runner's traversal of a segment.
type presence struct {
	tr    *models.RunnerTrajectory
	rng   models.EventRange
	start float64 // runner start on the race clock
	tIn   float64
	tOut  float64
}

// slice is one km-slice of a segment in segment coordinates.
type slice struct {
	startKm float64
	endKm   float64
}

// kmSlices partitions a segment into km-slices of stepKm, clamping the last one.
func kmSlices(seg models.CourseSegment, stepKm float64) []slice {
	var out []slice
	for i := 0; ; i++ {
		a := seg.StartKm + float64(i)*stepKm
		if a >= seg.EndKm-minSliceKm {
			break
		}
		out = append(out, slice{startKm: a, endKm: math.Min(seg.StartKm+float64(i+1)*stepKm, seg.EndKm)})
	}
	return out
}

func traversals(seg models.CourseSegment, runners []models.RunnerTrajectory) []presence {
	var out []presence
	for i := range runners {
		tr := &runners[i]
		rng, ok := seg.RangeFor(tr.Event)
		if !ok {
			continue
		}
		tIn, okIn := tr.TimeAt(rng.FromKm)
		tOut, okOut := tr.TimeAt(rng.ToKm)
		if !okIn || !okOut {
			continue
		}
		out = append(out, presence{tr: tr, rng: rng, start: tr.Start(), tIn: tIn, tOut: tOut})
	}
	return out
}

// Build computes every bin of a segment, ordered by window then km.
func (b *Builder) Build(seg models.CourseSegment, runners []models.RunnerTrajectory) ([]models.Bin, error) {
	if err := seg.Validate(); err != nil {
		return nil, err
	}
	table, err := b.rules.Table(seg.Schema)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	present := traversals(seg, runners)
	if len(present) == 0 {
		log.Debug("segment %s: no runners traverse it, no bins built", seg.ID)
		return nil, nil
	}

	t0, tEnd := math.Inf(1), math.Inf(-1)
	for _, p := range present {
		t0 = math.Min(t0, p.start)
		tEnd = math.Max(tEnd, p.tOut)
	}
	nWin := int(math.Ceil((tEnd - t0) / b.windowSec))
	if nWin < 1 {
		nWin = 1
	}

	slices := kmSlices(seg, b.stepKm)
	nSlice := len(slices)
	occ := make([][]int, nWin)
	cross := make([][]int, nWin)
	for w := range occ {
		occ[w] = make([]int, nSlice)
		cross[w] = make([]int, nSlice)
	}

	// sliceIndex puts a position on a slice boundary into the slice above it;
	// sliceBelow puts it into the slice below.
	sliceIndex := func(segKm float64) int {
		i := int(math.Floor((segKm - seg.StartKm) / b.stepKm))
		return max(0, min(i, nSlice-1))
	}
	sliceBelow := func(segKm float64) int {
		i := int(math.Ceil((segKm-seg.StartKm)/b.stepKm)) - 1
		return max(0, min(i, nSlice-1))
	}

	for _, p := range present {
		// occupancy: slices swept during each window the runner is on the
		// segment. Windows and presence are half-open like crossings, so the
		// position reached at the end instant belongs to the next window.
		wFirst := max(0, int(math.Floor((p.tIn-t0)/b.windowSec)))
		wLast := min(nWin-1, int(math.Floor((p.tOut-t0)/b.windowSec)))
		for w := wFirst; w <= wLast; w++ {
			ts := t0 + float64(w)*b.windowSec
			te := ts + b.windowSec
			from := math.Max(ts, p.tIn)
			to := math.Min(te, p.tOut)
			if from >= to {
				continue
			}
			k1, ok1 := p.tr.PositionAt(from)
			k2, ok2 := p.tr.PositionAt(to)
			if !ok1 || !ok2 {
				continue
			}
			s1, s2 := seg.ToSegmentKm(p.rng, k1), seg.ToSegmentKm(p.rng, k2)
			var lo, hi int
			if p.rng.Reversed {
				lo, hi = sliceIndex(s2), sliceBelow(s1)
				lo = min(lo, hi)
			} else {
				lo, hi = sliceIndex(s1), sliceBelow(s2)
				hi = max(lo, hi)
			}
			for i := lo; i <= hi; i++ {
				occ[w][i]++
			}
		}

		// crossings: the instant the runner reaches each slice's upstream edge
		for i, s := range slices {
			edge := s.startKm
			if p.rng.Reversed {
				edge = s.endKm
			}
			tc, ok := p.tr.TimeAt(seg.ToCourseKm(p.rng, edge))
			if !ok {
				continue
			}
			w := int(math.Floor((tc - t0) / b.windowSec))
			if w >= 0 && w < nWin {
				cross[w][i]++
			}
		}
	}

	out := make([]models.Bin, 0, nWin*nSlice)
	for w := 0; w < nWin; w++ {
		ts := t0 + float64(w)*b.windowSec
		for i, s := range slices {
			lengthM := (s.endKm - s.startKm) * 1000
			density := float64(occ[w][i]) / math.Max(1e-9, lengthM*seg.WidthM)
			out = append(out, models.Bin{
				ID:        fmt.Sprintf("%s:%.3f-%.3f:%04d", seg.ID, s.startKm, s.endKm, w),
				SegmentID: seg.ID,
				StartKm:   s.startKm,
				EndKm:     s.endKm,
				TStart:    b.run.At(ts),
				TEnd:      b.run.At(ts + b.windowSec),
				Density:   density,
				Rate:      FlowRate(float64(cross[w][i]), seg.WidthM, b.windowSec),
				LOS:       los.Classify(density, table),
				BinSizeKm: b.stepKm,
				Occupancy: occ[w][i],
				Crossings: cross[w][i],
			})
		}
	}

	log.Debug("segment %s: %d runners, %d windows x %d slices", seg.ID, len(present), nWin, nSlice)
	return out, nil
}
