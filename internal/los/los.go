// Package los grades crowd density and flow into Level-of-Service classes.
//
// A threshold table maps letter grades to half-open intervals [min, max).
// The most severe grade listed is open-ended. Classification scans from the
// most severe band down and picks the first band whose min is <= value, so a
// value sitting exactly on a boundary belongs to the more severe band.
package los

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Grades in increasing order of severity.
var Grades = []string{"A", "B", "C", "D", "E", "F"}

// ErrUnknownSchema is returned when no threshold table exists for a schema key.
var ErrUnknownSchema = errors.New("unknown LOS schema")

// ErrInvalidTable is wrapped by threshold table validation failures.
var ErrInvalidTable = errors.New("invalid LOS table")

// BandSpec is the configuration form of one band. A nil Max marks the
// open-ended band.
type BandSpec struct {
	Min float64  `mapstructure:"min" json:"min"`
	Max *float64 `mapstructure:"max" json:"max,omitempty"`
}

// Band is a validated grade interval.
type Band struct {
	Grade string
	Min   float64
	Max   float64 // +Inf for the open-ended band
}

// Table holds bands sorted from most to least severe.
type Table []Band

func severity(grade string) int {
	for i, g := range Grades {
		if g == grade {
			return i
		}
	}
	return -1
}

// NewTable builds a table from configuration specs. Grade keys are
// case-insensitive.
func NewTable(specs map[string]BandSpec) (Table, error) {
	table := make(Table, 0, len(specs))
	for grade, spec := range specs {
		g := strings.ToUpper(strings.TrimSpace(grade))
		b := Band{Grade: g, Min: spec.Min, Max: math.Inf(1)}
		if spec.Max != nil {
			b.Max = *spec.Max
		}
		table = append(table, b)
	}
	sort.Slice(table, func(i, j int) bool {
		return severity(table[i].Grade) > severity(table[j].Grade)
	})
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks grades, ordering and contiguity of the bands.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: no bands", ErrInvalidTable)
	}
	seen := make(map[string]bool, len(t))
	for i, b := range t {
		if severity(b.Grade) < 0 {
			return fmt.Errorf("%w: unknown grade %q", ErrInvalidTable, b.Grade)
		}
		if seen[b.Grade] {
			return fmt.Errorf("%w: duplicate grade %q", ErrInvalidTable, b.Grade)
		}
		seen[b.Grade] = true

		if i == 0 {
			if !math.IsInf(b.Max, 1) {
				return fmt.Errorf("%w: most severe grade %s must be open-ended", ErrInvalidTable, b.Grade)
			}
			continue
		}
		if math.IsInf(b.Max, 1) {
			return fmt.Errorf("%w: only the most severe grade may be open-ended, %s is not", ErrInvalidTable, b.Grade)
		}
		if b.Min >= b.Max {
			return fmt.Errorf("%w: grade %s has min >= max", ErrInvalidTable, b.Grade)
		}
		if b.Max != t[i-1].Min {
			return fmt.Errorf("%w: grade %s max %.4f does not meet grade %s min %.4f",
				ErrInvalidTable, b.Grade, b.Max, t[i-1].Grade, t[i-1].Min)
		}
		if severity(b.Grade) >= severity(t[i-1].Grade) {
			return fmt.Errorf("%w: grades out of order at %s", ErrInvalidTable, b.Grade)
		}
	}
	return nil
}

// Band returns the band for a grade.
func (t Table) Band(grade string) (Band, bool) {
	g := strings.ToUpper(grade)
	for _, b := range t {
		if b.Grade == g {
			return b, true
		}
	}
	return Band{}, false
}

// Classify returns the grade of value. Values below every band take the
// least severe grade of the table; NaN is treated as zero.
func Classify(value float64, t Table) string {
	if math.IsNaN(value) {
		value = 0
	}
	for _, b := range t {
		if b.Min <= value {
			return b.Grade
		}
	}
	if len(t) == 0 {
		return Grades[0]
	}
	return t[len(t)-1].Grade
}

// AtLeast reports whether grade a is at least as severe as grade b.
func AtLeast(a, b string) bool {
	return severity(strings.ToUpper(a)) >= severity(strings.ToUpper(b))
}
