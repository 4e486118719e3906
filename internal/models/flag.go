package models

import (
	"errors"
	"time"
)

// Flag is emitted once each time a trigger fires on a segment.
type Flag struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	SegmentID string    `json:"segment_id"`
	Trigger   string    `json:"trigger"`
	Severity  string    `json:"severity"`
	TStart    time.Time `json:"window_start"`
	TEnd      time.Time `json:"window_end"`
	Metric    string    `json:"metric"` // "density" or "flow"
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	BinID     string    `json:"bin_id,omitempty"`
}

// Validate checks that all flag fields are valid
func (f *Flag) Validate() error {
	if f.ID == "" {
		return errors.New("flag ID must not be empty")
	}
	if f.SegmentID == "" {
		return errors.New("segment ID must not be empty")
	}
	if f.Trigger == "" {
		return errors.New("trigger must not be empty")
	}
	if f.Metric != "density" && f.Metric != "flow" {
		return errors.New("metric must be 'density' or 'flow'")
	}
	if f.Value < f.Threshold {
		return errors.New("value must be >= threshold for a fired flag")
	}
	if !f.TStart.Before(f.TEnd) {
		return errors.New("window start must be before window end")
	}
	return nil
}
