// Package flagging raises congestion flags with debounce and cooldown.
//
// Each (segment, trigger) pair owns a three-state machine:
//
//	INACTIVE --hit--> ARMED --hit x debounce--> FIRED --miss x cooldown--> INACTIVE
//
// A flag is emitted only on the transition into FIRED. Misses reset the hit
// counter unconditionally, and a hit while FIRED resets the clear counter, so
// both debounce and cooldown require consecutive samples.
package flagging

import "fmt"

// State of a trigger's machine.
type State int

const (
	Inactive State = iota
	Armed
	Fired
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Armed:
		return "ARMED"
	case Fired:
		return "FIRED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Counters are the consecutive-sample counters of a machine.
type Counters struct {
	Hits   int
	Clears int
}

// Limits configure a machine.
type Limits struct {
	Debounce int
	Cooldown int
}

type edge struct {
	from State
	hit  bool
}

type handler func(c Counters, l Limits) (next State, out Counters, fire bool)

// transitions is the complete table; every (state, input) pair is present.
var transitions = map[edge]handler{
	{Inactive, true}:  hitWhileIdle,
	{Armed, true}:     hitWhileIdle,
	{Fired, true}:     hitWhileFired,
	{Inactive, false}: missWhileIdle,
	{Armed, false}:    missWhileIdle,
	{Fired, false}:    missWhileFired,
}

func hitWhileIdle(c Counters, l Limits) (State, Counters, bool) {
	c.Hits++
	if c.Hits >= l.Debounce {
		return Fired, Counters{}, true
	}
	return Armed, c, false
}

func hitWhileFired(c Counters, _ Limits) (State, Counters, bool) {
	c.Clears = 0
	return Fired, c, false
}

func missWhileIdle(Counters, Limits) (State, Counters, bool) {
	return Inactive, Counters{}, false
}

func missWhileFired(c Counters, l Limits) (State, Counters, bool) {
	c.Hits = 0
	c.Clears++
	if c.Clears >= l.Cooldown {
		return Inactive, Counters{}, false
	}
	return Fired, c, false
}

// Transition applies one sample to a machine state. It is a pure function.
func Transition(s State, hit bool, c Counters, l Limits) (State, Counters, bool) {
	h, ok := transitions[edge{s, hit}]
	if !ok {
		panic(fmt.Sprintf("flagging: no transition from %s on hit=%v", s, hit))
	}
	return h(c, l)
}

// Machine is the mutable state of one (segment, trigger) pair for one run.
type Machine struct {
	State    State
	Counters Counters
	Limits   Limits
}

// NewMachine returns an INACTIVE machine.
func NewMachine(debounce, cooldown int) *Machine {
	return &Machine{State: Inactive, Limits: Limits{Debounce: debounce, Cooldown: cooldown}}
}

// Step feeds one chronological sample and reports whether a flag fires.
func (m *Machine) Step(hit bool) bool {
	var fire bool
	m.State, m.Counters, fire = Transition(m.State, hit, m.Counters, m.Limits)
	return fire
}
