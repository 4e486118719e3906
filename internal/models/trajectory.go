package models

import (
	"errors"
	"fmt"
	"sort"
)

// Sample is one point of a runner's course-position function.
// T is seconds since the run epoch, Km is the runner's course km.
type Sample struct {
	T  float64 `json:"t"`
	Km float64 `json:"km"`
}

// RunnerTrajectory is a runner's position over time, interpreted
// piecewise-linearly between samples. Positions never decrease.
type RunnerTrajectory struct {
	Bib     string   `json:"bib"`
	Event   string   `json:"event"`
	Samples []Sample `json:"samples"`
}

// FromPace builds a constant-pace trajectory that starts at startSec on the
// run clock and covers lengthKm of course.
func FromPace(bib, event string, startSec, paceMinPerKm, lengthKm float64) RunnerTrajectory {
	return RunnerTrajectory{
		Bib:   bib,
		Event: event,
		Samples: []Sample{
			{T: startSec, Km: 0},
			{T: startSec + paceMinPerKm*60*lengthKm, Km: lengthKm},
		},
	}
}

// Validate checks that the trajectory is well formed.
func (r *RunnerTrajectory) Validate() error {
	if r.Bib == "" {
		return errors.New("bib must not be empty")
	}
	if r.Event == "" {
		return fmt.Errorf("runner %s: event must not be empty", r.Bib)
	}
	if len(r.Samples) < 2 {
		return fmt.Errorf("runner %s: at least 2 samples required", r.Bib)
	}
	for i := 1; i < len(r.Samples); i++ {
		if r.Samples[i].T <= r.Samples[i-1].T {
			return fmt.Errorf("runner %s: sample times must be strictly increasing", r.Bib)
		}
		if r.Samples[i].Km < r.Samples[i-1].Km {
			return fmt.Errorf("runner %s: position must be non-decreasing", r.Bib)
		}
	}
	return nil
}

// Start returns the first sample time.
func (r *RunnerTrajectory) Start() float64 { return r.Samples[0].T }

// Finish returns the last sample time.
func (r *RunnerTrajectory) Finish() float64 { return r.Samples[len(r.Samples)-1].T }

// PositionAt returns the course km at time t. ok is false outside the
// sampled time span.
func (r *RunnerTrajectory) PositionAt(t float64) (km float64, ok bool) {
	n := len(r.Samples)
	if n == 0 || t < r.Samples[0].T || t > r.Samples[n-1].T {
		return 0, false
	}
	i := sort.Search(n, func(i int) bool { return r.Samples[i].T >= t })
	if r.Samples[i].T == t || i == 0 {
		return r.Samples[i].Km, true
	}
	a, b := r.Samples[i-1], r.Samples[i]
	frac := (t - a.T) / (b.T - a.T)
	return a.Km + frac*(b.Km-a.Km), true
}

// TimeAt returns the earliest time the runner reaches km. ok is false when
// km lies outside the sampled course span.
func (r *RunnerTrajectory) TimeAt(km float64) (t float64, ok bool) {
	n := len(r.Samples)
	if n == 0 || km < r.Samples[0].Km || km > r.Samples[n-1].Km {
		return 0, false
	}
	i := sort.Search(n, func(i int) bool { return r.Samples[i].Km >= km })
	if i == 0 || r.Samples[i].Km == km {
		return r.Samples[i].T, true
	}
	a, b := r.Samples[i-1], r.Samples[i]
	frac := (km - a.Km) / (b.Km - a.Km)
	return a.T + frac*(b.T-a.T), true
}
