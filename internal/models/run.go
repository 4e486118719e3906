package models

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// RunContext identifies one batch computation. Epoch is the race-clock zero
// that trajectory seconds are measured from.
type RunContext struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Epoch     time.Time `json:"epoch"`
}

// NewRunContext creates a run context with a fresh ID.
func NewRunContext(epoch, startedAt time.Time) RunContext {
	return RunContext{
		RunID:     uuid.New().String(),
		StartedAt: startedAt.UTC(),
		Epoch:     epoch.UTC(),
	}
}

// Validate checks the run context.
func (rc *RunContext) Validate() error {
	if rc.RunID == "" {
		return errors.New("run ID must not be empty")
	}
	if rc.Epoch.IsZero() {
		return errors.New("epoch must be set")
	}
	return nil
}

// At converts seconds on the race clock into a UTC timestamp. Sub-millisecond
// precision is dropped so timestamps survive ISO-8601 round trips.
func (rc *RunContext) At(sec float64) time.Time {
	ms := math.Round(sec * 1000)
	return rc.Epoch.Add(time.Duration(ms) * time.Millisecond).UTC()
}
