package flagging

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/los"
	"github.com/rewired-gh/runflow/internal/models"
)

var log = logger.For("flagging")

// Engine evaluates a rulebook's triggers over a segment's bins.
type Engine struct {
	run   models.RunContext
	rules *los.Rulebook
}

// NewEngine creates an Engine bound to one run.
func NewEngine(run models.RunContext, rules *los.Rulebook) *Engine {
	return &Engine{run: run, rules: rules}
}

// step is one time window's worst bins.
type step struct {
	key     models.WindowKey
	density models.Bin // highest density
	flow    models.Bin // highest rate
}

// steps collapses bins into chronological windows, keeping the most severe
// bin per metric. Ties go to the upstream bin.
func steps(bins []models.Bin) []step {
	byKey := make(map[models.WindowKey]*step)
	for _, b := range bins {
		k := b.Key()
		s, ok := byKey[k]
		if !ok {
			byKey[k] = &step{key: k, density: b, flow: b}
			continue
		}
		if worse(b.Density, b.StartKm, s.density.Density, s.density.StartKm) {
			s.density = b
		}
		if worse(b.Rate, b.StartKm, s.flow.Rate, s.flow.StartKm) {
			s.flow = b
		}
	}

	out := make([]step, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.Less(out[j].key) })
	return out
}

// flagID is stable for a given run so artifacts do not depend on scheduling.
func flagID(runID, segmentID, triggerID string, b models.Bin) string {
	name := fmt.Sprintf("%s/%s/%s/%d", runID, segmentID, triggerID, b.TStart.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func worse(v, km, cur, curKm float64) bool {
	if v != cur {
		return v > cur
	}
	return km < curKm
}

// Evaluate runs every trigger that applies to the segment's schema over its
// bins in chronological order. Flags are ordered by window then trigger ID.
func (e *Engine) Evaluate(seg models.CourseSegment, bins []models.Bin) ([]models.Flag, error) {
	triggers := e.rules.TriggersFor(seg.Schema)
	if len(triggers) == 0 || len(bins) == 0 {
		return nil, nil
	}

	windows := steps(bins)
	var flags []models.Flag
	for _, t := range triggers {
		th, err := e.rules.ResolveTrigger(t, seg.Schema)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
		}

		m := NewMachine(t.DebounceBins, t.CooldownBins)
		for _, w := range windows {
			b := w.density
			value := b.Density
			if th.Metric == los.MetricFlow {
				b = w.flow
				value = b.Rate
			}
			if !m.Step(th.Holds(w.density.Density, w.flow.Rate)) {
				continue
			}
			flags = append(flags, models.Flag{
				ID:        flagID(e.run.RunID, seg.ID, t.ID, b),
				RunID:     e.run.RunID,
				SegmentID: seg.ID,
				Trigger:   t.ID,
				Severity:  t.Severity,
				TStart:    b.TStart,
				TEnd:      b.TEnd,
				Metric:    th.Metric,
				Value:     value,
				Threshold: th.Value,
				BinID:     b.ID,
			})
		}
		log.Debug("segment %s trigger %s: final state %s after %d windows", seg.ID, t.ID, m.State, len(windows))
	}

	sort.SliceStable(flags, func(i, j int) bool {
		if !flags[i].TStart.Equal(flags[j].TStart) {
			return flags[i].TStart.Before(flags[j].TStart)
		}
		return flags[i].Trigger < flags[j].Trigger
	})
	return flags, nil
}
