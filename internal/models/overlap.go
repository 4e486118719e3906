package models

import "time"

// Encounter is the first point where runners of two events share a position.
type Encounter struct {
	Time time.Time `json:"time"`
	Km   float64   `json:"km"`
	BibA string    `json:"bib_a"`
	BibB string    `json:"bib_b"`
}

// Peak is the instant of maximum combined occupancy of a shared band.
type Peak struct {
	Time         time.Time `json:"time"`
	Total        int       `json:"total"`
	A            int       `json:"a"`
	B            int       `json:"b"`
	Km           float64   `json:"km"`
	ArealDensity float64   `json:"areal_density"`
	Zone         string    `json:"zone"`
}

// OverlapRecord holds convergence metrics for one event pair on one segment.
// FirstOverlap is nil when no two runners ever shared a position.
type OverlapRecord struct {
	SegmentID            string     `json:"segment_id"`
	EventA               string     `json:"event_a"`
	EventB               string     `json:"event_b"`
	FromKmA              float64    `json:"from_km_a"`
	ToKmA                float64    `json:"to_km_a"`
	FromKmB              float64    `json:"from_km_b"`
	ToKmB                float64    `json:"to_km_b"`
	OvertakingA          int        `json:"overtaking_a"`
	OvertakingB          int        `json:"overtaking_b"`
	CopresenceA          int        `json:"copresence_a"`
	CopresenceB          int        `json:"copresence_b"`
	UniqueEncounters     int        `json:"unique_encounters"`
	ParticipantsInvolved int        `json:"participants_involved"`
	FirstOverlap         *Encounter `json:"first_overlap,omitempty"`
	Peak                 Peak       `json:"peak"`
}
