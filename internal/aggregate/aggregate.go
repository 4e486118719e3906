// Package aggregate rolls bins sharing a time window into segment windows.
//
// The reduction is a pure function of the bin set: bins are put into a
// canonical order before any floating-point summation, so the same set in any
// input order yields bit-identical results.
package aggregate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rewired-gh/runflow/internal/models"
)

// Epsilon floors every denominator.
const Epsilon = 1e-9

// WeightedMean returns Σ(v_i·w_i) / max(ε, Σw_i), clamped into [min(v), max(v)].
// Empty input yields 0.
func WeightedMean(values, weights []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := floats.Sum(weights)
	if total < Epsilon {
		return 0
	}
	mean := stat.Mean(values, weights)
	return math.Max(floats.Min(values), math.Min(floats.Max(values), mean))
}

// Classifier grades a segment window's mean density. It may be nil.
type Classifier func(segmentID string, density float64) string

// Aggregate groups bins by (segment, t_start, t_end) and returns one window
// per group, ordered by segment ID then window start.
func Aggregate(bins []models.Bin, classify Classifier) []models.SegmentWindow {
	groups := make(map[models.WindowKey][]models.Bin)
	for _, b := range bins {
		k := b.Key()
		groups[k] = append(groups[k], b)
	}

	keys := make([]models.WindowKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	out := make([]models.SegmentWindow, 0, len(keys))
	for _, k := range keys {
		w := reduce(k, groups[k])
		if classify != nil {
			w.LOS = classify(k.SegmentID, w.DensityMean)
		}
		out = append(out, w)
	}
	return out
}

func reduce(k models.WindowKey, group []models.Bin) models.SegmentWindow {
	sorted := make([]models.Bin, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartKm != sorted[j].StartKm {
			return sorted[i].StartKm < sorted[j].StartKm
		}
		if sorted[i].EndKm != sorted[j].EndKm {
			return sorted[i].EndKm < sorted[j].EndKm
		}
		return sorted[i].Density < sorted[j].Density
	})

	densities := make([]float64, len(sorted))
	lengths := make([]float64, len(sorted))
	for i, b := range sorted {
		densities[i] = b.Density
		lengths[i] = b.LengthM()
	}

	return models.SegmentWindow{
		SegmentID:   k.SegmentID,
		TStart:      sorted[0].TStart,
		TEnd:        sorted[0].TEnd,
		DensityMean: WeightedMean(densities, lengths),
		DensityPeak: floats.Max(densities),
		NBins:       len(sorted),
	}
}

// SortWindows orders windows by segment ID then window start.
func SortWindows(ws []models.SegmentWindow) {
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].Key().Less(ws[j].Key()) })
}
