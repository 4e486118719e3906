package los

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Metric names a trigger can watch.
const (
	MetricDensity = "density"
	MetricFlow    = "flow"
)

// ErrInvalidTrigger is wrapped by trigger validation failures.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Schema is the threshold set for one kind of course location.
// Flow holds named flow references in persons/min/m (e.g. "warning").
type Schema struct {
	Density Table
	Flow    map[string]float64
}

// Trigger is a flag rule. Exactly one of DensityGTE (a grade) or FlowGTE
// (a flow reference name) is set. An empty Schemas list applies everywhere.
type Trigger struct {
	ID           string   `mapstructure:"id" json:"id"`
	Severity     string   `mapstructure:"severity" json:"severity"`
	DensityGTE   string   `mapstructure:"density_gte" json:"density_gte,omitempty"`
	FlowGTE      string   `mapstructure:"flow_gte" json:"flow_gte,omitempty"`
	DebounceBins int      `mapstructure:"debounce_bins" json:"debounce_bins"`
	CooldownBins int      `mapstructure:"cooldown_bins" json:"cooldown_bins"`
	Schemas      []string `mapstructure:"schemas" json:"schemas,omitempty"`
}

// Validate checks the trigger shape independently of any schema.
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidTrigger)
	}
	if t.Severity == "" {
		return fmt.Errorf("%w %s: severity must not be empty", ErrInvalidTrigger, t.ID)
	}
	if (t.DensityGTE == "") == (t.FlowGTE == "") {
		return fmt.Errorf("%w %s: exactly one of density_gte or flow_gte is required", ErrInvalidTrigger, t.ID)
	}
	if t.DebounceBins < 1 {
		return fmt.Errorf("%w %s: debounce_bins must be at least 1", ErrInvalidTrigger, t.ID)
	}
	if t.CooldownBins < 0 {
		return fmt.Errorf("%w %s: cooldown_bins must not be negative", ErrInvalidTrigger, t.ID)
	}
	return nil
}

// AppliesTo reports whether the trigger runs on segments of the schema.
func (t *Trigger) AppliesTo(schema string) bool {
	if len(t.Schemas) == 0 {
		return true
	}
	for _, s := range t.Schemas {
		if strings.EqualFold(s, schema) {
			return true
		}
	}
	return false
}

// Threshold is a trigger predicate resolved against a schema.
type Threshold struct {
	Metric string
	Value  float64
}

// Holds reports whether a density/rate pair satisfies the predicate.
func (th Threshold) Holds(density, rate float64) bool {
	if th.Metric == MetricFlow {
		return rate >= th.Value
	}
	return density >= th.Value
}

// Rulebook groups schema tables and triggers.
type Rulebook struct {
	Schemas  map[string]Schema
	Triggers []Trigger
}

// Table returns the density table for a schema key.
func (r *Rulebook) Table(schema string) (Table, error) {
	s, ok := r.Schemas[strings.ToLower(schema)]
	if !ok || len(s.Density) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}
	return s.Density, nil
}

// Classify grades a density value under a schema.
func (r *Rulebook) Classify(schema string, density float64) (string, error) {
	t, err := r.Table(schema)
	if err != nil {
		return "", err
	}
	return Classify(density, t), nil
}

// ResolveTrigger turns a trigger predicate into a numeric threshold using the
// same tables the classifier uses.
func (r *Rulebook) ResolveTrigger(t Trigger, schema string) (Threshold, error) {
	s, ok := r.Schemas[strings.ToLower(schema)]
	if !ok {
		return Threshold{}, fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}
	if t.DensityGTE != "" {
		b, ok := s.Density.Band(t.DensityGTE)
		if !ok {
			return Threshold{}, fmt.Errorf("%w %s: grade %q not in schema %s", ErrInvalidTrigger, t.ID, t.DensityGTE, schema)
		}
		return Threshold{Metric: MetricDensity, Value: b.Min}, nil
	}
	v, ok := s.Flow[strings.ToLower(t.FlowGTE)]
	if !ok {
		return Threshold{}, fmt.Errorf("%w %s: flow reference %q not in schema %s", ErrInvalidTrigger, t.ID, t.FlowGTE, schema)
	}
	return Threshold{Metric: MetricFlow, Value: v}, nil
}

// TriggersFor returns the triggers that apply to a schema, in ID order.
func (r *Rulebook) TriggersFor(schema string) []Trigger {
	var out []Trigger
	for _, t := range r.Triggers {
		if t.AppliesTo(schema) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks every table and that each trigger resolves in every schema
// it applies to.
func (r *Rulebook) Validate() error {
	if len(r.Schemas) == 0 {
		return errors.New("rulebook has no schemas")
	}
	names := make([]string, 0, len(r.Schemas))
	for name := range r.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.Schemas[name].Density.Validate(); err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
	}

	ids := make(map[string]bool, len(r.Triggers))
	for _, t := range r.Triggers {
		if err := t.Validate(); err != nil {
			return err
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidTrigger, t.ID)
		}
		ids[t.ID] = true
		for _, s := range t.Schemas {
			if _, ok := r.Schemas[strings.ToLower(s)]; !ok {
				return fmt.Errorf("trigger %s: %w: %q", t.ID, ErrUnknownSchema, s)
			}
		}
		for _, name := range names {
			if !t.AppliesTo(name) {
				continue
			}
			if _, err := r.ResolveTrigger(t, name); err != nil {
				return err
			}
		}
	}
	return nil
}
