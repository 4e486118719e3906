// Package models defines the core domain records for runflow.
// These represent course segments, runner trajectories, occupancy bins,
// segment windows, flags and cross-event overlaps.
// Input records include built-in validation so configuration problems surface
// before any computation starts.
//
// Terminology:
//   - Event: a race run on the shared course (e.g. "full", "half", "10k").
//   - Segment: a contiguous stretch of course with a fixed width.
//   - Segment coordinates: km measured along the segment's own axis, from
//     StartKm to EndKm. Every event's course km is mapped into this frame.
package models

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidSegment is wrapped by every segment validation failure.
var ErrInvalidSegment = errors.New("invalid segment")

// Direction of travel on a segment.
type Direction string

const (
	DirectionUni Direction = "uni"
	DirectionBi  Direction = "bi"
)

// FlowType classifies how events interact on a segment.
type FlowType string

const (
	FlowNone        FlowType = "none"
	FlowMerge       FlowType = "merge"
	FlowDiverge     FlowType = "diverge"
	FlowOvertake    FlowType = "overtake"
	FlowParallel    FlowType = "parallel"
	FlowCounterflow FlowType = "counterflow"
)

var validFlowTypes = map[FlowType]bool{
	FlowNone:        true,
	FlowMerge:       true,
	FlowDiverge:     true,
	FlowOvertake:    true,
	FlowParallel:    true,
	FlowCounterflow: true,
}

// EventRange is the stretch of an event's own course that lies on a segment.
// Reversed means the event runs the segment from EndKm towards StartKm.
type EventRange struct {
	FromKm   float64 `json:"from_km" yaml:"from_km"`
	ToKm     float64 `json:"to_km" yaml:"to_km"`
	Reversed bool    `json:"reversed,omitempty" yaml:"reversed,omitempty"`
}

// CourseSegment is a validated course segment definition.
type CourseSegment struct {
	ID          string                `json:"segment_id" yaml:"segment_id"`
	Label       string                `json:"label" yaml:"label"`
	StartKm     float64               `json:"start_km" yaml:"start_km"`
	EndKm       float64               `json:"end_km" yaml:"end_km"`
	WidthM      float64               `json:"width_m" yaml:"width_m"`
	Direction   Direction             `json:"direction" yaml:"direction"`
	FlowType    FlowType              `json:"flow_type" yaml:"flow_type"`
	Schema      string                `json:"schema" yaml:"schema"`
	EventRanges map[string]EventRange `json:"events,omitempty" yaml:"events,omitempty"`
}

// Validate checks the structural invariants of the segment.
func (s *CourseSegment) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: segment ID must not be empty", ErrInvalidSegment)
	}
	if s.StartKm >= s.EndKm {
		return fmt.Errorf("%w %s: start_km %.3f must be < end_km %.3f", ErrInvalidSegment, s.ID, s.StartKm, s.EndKm)
	}
	if s.WidthM <= 0 {
		return fmt.Errorf("%w %s: width_m must be positive", ErrInvalidSegment, s.ID)
	}
	if s.Direction != DirectionUni && s.Direction != DirectionBi {
		return fmt.Errorf("%w %s: direction must be 'uni' or 'bi', got %q", ErrInvalidSegment, s.ID, s.Direction)
	}
	if !validFlowTypes[s.FlowType] {
		return fmt.Errorf("%w %s: unknown flow_type %q", ErrInvalidSegment, s.ID, s.FlowType)
	}
	if s.Schema == "" {
		return fmt.Errorf("%w %s: schema must not be empty", ErrInvalidSegment, s.ID)
	}
	for event, r := range s.EventRanges {
		if r.FromKm > r.ToKm {
			return fmt.Errorf("%w %s: event %s from_km %.3f > to_km %.3f", ErrInvalidSegment, s.ID, event, r.FromKm, r.ToKm)
		}
	}
	return nil
}

// LengthKm returns the segment length.
func (s *CourseSegment) LengthKm() float64 {
	return s.EndKm - s.StartKm
}

// Events returns the applicable event names in sorted order. A nil result
// means every event applies over [StartKm, EndKm].
func (s *CourseSegment) Events() []string {
	if len(s.EventRanges) == 0 {
		return nil
	}
	events := make([]string, 0, len(s.EventRanges))
	for e := range s.EventRanges {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

// RangeFor returns the range an event covers on this segment and whether the
// event applies at all.
func (s *CourseSegment) RangeFor(event string) (EventRange, bool) {
	if len(s.EventRanges) == 0 {
		return EventRange{FromKm: s.StartKm, ToKm: s.EndKm}, true
	}
	r, ok := s.EventRanges[event]
	return r, ok
}

// ToSegmentKm maps an event course km into segment coordinates.
func (s *CourseSegment) ToSegmentKm(r EventRange, courseKm float64) float64 {
	frac := 0.0
	if span := r.ToKm - r.FromKm; span > 0 {
		frac = (courseKm - r.FromKm) / span
	}
	if r.Reversed {
		return s.EndKm - frac*s.LengthKm()
	}
	return s.StartKm + frac*s.LengthKm()
}

// ToCourseKm maps a segment coordinate back onto an event's course km.
func (s *CourseSegment) ToCourseKm(r EventRange, segKm float64) float64 {
	frac := (segKm - s.StartKm) / s.LengthKm()
	if r.Reversed {
		frac = (s.EndKm - segKm) / s.LengthKm()
	}
	return r.FromKm + frac*(r.ToKm-r.FromKm)
}
