package models

import (
	"errors"
	"time"
)

// Bin is the occupancy of one km-slice of a segment during one time window.
type Bin struct {
	ID        string    `json:"bin_id"`
	SegmentID string    `json:"segment_id"`
	StartKm   float64   `json:"start_km"`
	EndKm     float64   `json:"end_km"`
	TStart    time.Time `json:"t_start"`
	TEnd      time.Time `json:"t_end"`
	Density   float64   `json:"density"` // persons/m²
	Rate      float64   `json:"rate"`    // persons/min/m
	LOS       string    `json:"los_class"`
	BinSizeKm float64   `json:"bin_size_km"`
	Occupancy int       `json:"occupancy"`
	Crossings int       `json:"crossings"`
}

// LengthM returns the bin length in meters.
func (b *Bin) LengthM() float64 {
	return (b.EndKm - b.StartKm) * 1000
}

// Validate checks the bin invariants.
func (b *Bin) Validate() error {
	if b.SegmentID == "" {
		return errors.New("segment ID must not be empty")
	}
	if b.StartKm >= b.EndKm {
		return errors.New("start_km must be < end_km")
	}
	if !b.TStart.Before(b.TEnd) {
		return errors.New("t_start must be before t_end")
	}
	if b.Density < 0 {
		return errors.New("density must not be negative")
	}
	return nil
}

// WindowKey identifies a time window within a segment. Times are held as
// Unix nanoseconds so keys compare equal regardless of location or
// monotonic clock readings.
type WindowKey struct {
	SegmentID string
	Start     int64
	End       int64
}

// NewWindowKey builds a key from window bounds.
func NewWindowKey(segmentID string, start, end time.Time) WindowKey {
	return WindowKey{SegmentID: segmentID, Start: start.UnixNano(), End: end.UnixNano()}
}

// Less orders keys by segment ID, then start, then end.
func (k WindowKey) Less(o WindowKey) bool {
	if k.SegmentID != o.SegmentID {
		return k.SegmentID < o.SegmentID
	}
	if k.Start != o.Start {
		return k.Start < o.Start
	}
	return k.End < o.End
}

// Key returns the window the bin belongs to.
func (b *Bin) Key() WindowKey {
	return NewWindowKey(b.SegmentID, b.TStart, b.TEnd)
}

// SegmentWindow summarizes all bins of a segment sharing a time window.
type SegmentWindow struct {
	SegmentID   string    `json:"segment_id"`
	TStart      time.Time `json:"t_start"`
	TEnd        time.Time `json:"t_end"`
	DensityMean float64   `json:"density_mean"`
	DensityPeak float64   `json:"density_peak"`
	NBins       int       `json:"n_bins"`
	LOS         string    `json:"los_class,omitempty"`
}

// Key returns the join key of the window.
func (w *SegmentWindow) Key() WindowKey {
	return NewWindowKey(w.SegmentID, w.TStart, w.TEnd)
}

// Validate checks the window invariants.
func (w *SegmentWindow) Validate() error {
	if w.SegmentID == "" {
		return errors.New("segment ID must not be empty")
	}
	if w.DensityMean > w.DensityPeak {
		return errors.New("density_mean must be <= density_peak")
	}
	if w.NBins < 1 {
		return errors.New("n_bins must be at least 1")
	}
	return nil
}
