// Package liveness implements the connection state machine shared by publications
// and images: liveness timeouts, linger and the aggregated connected status.
package liveness

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the connection state of a publication or image.
type State int32

const (
	Pending State = iota
	Connected
	Simulated
	Disconnected
	Linger
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Connected:
		return "CONNECTED"
	case Simulated:
		return "SIMULATED"
	case Disconnected:
		return "DISCONNECTED"
	case Linger:
		return "LINGER"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsConnected reports whether the state lets data flow.
func (s State) IsConnected() bool {
	return s == Connected || s == Simulated
}

// transitions lists the permitted moves out of each state.
var transitions = map[State][]State{
	Pending:      {Connected, Simulated, Disconnected, Linger, Closed},
	Connected:    {Simulated, Disconnected, Linger, Closed},
	Simulated:    {Connected, Disconnected, Linger, Closed},
	Disconnected: {Connected, Simulated, Linger, Closed},
	Linger:       {Closed},
	Closed:       {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Aggregate returns Connected if any state is connected, Simulated if the only
// connected states are simulated, otherwise the least advanced state present.
func Aggregate(states ...State) State {
	if len(states) == 0 {
		return Pending
	}
	simulated := false
	least := Closed
	for _, s := range states {
		switch {
		case s == Connected:
			return Connected
		case s == Simulated:
			simulated = true
		case s < least:
			least = s
		}
	}
	if simulated {
		return Simulated
	}
	return least
}

// Timeouts configures a Tracker.
type Timeouts struct {
	// Inactivity moves a connected tracker to Disconnected when no activity is seen.
	Inactivity time.Duration
	// Linger is how long a tracker stays in Linger before it is Closed.
	Linger time.Duration
}

// Tracker owns the state of one resource. Transitions are made by a single goroutine
// (the conductor); State may be read from any goroutine.
type Tracker struct {
	state        atomic.Int32
	lastActivity atomic.Int64
	changedAt    int64
	timeouts     Timeouts
	onChange     func(from, to State)
}

// NewTracker starts a tracker in Pending at now.
func NewTracker(timeouts Timeouts, now time.Time, onChange func(from, to State)) *Tracker {
	t := &Tracker{timeouts: timeouts, onChange: onChange, changedAt: now.UnixNano()}
	t.lastActivity.Store(now.UnixNano())
	return t
}

// State returns the current state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// IsConnected reports whether the current state is connected or simulated.
func (t *Tracker) IsConnected() bool { return t.State().IsConnected() }

// OnActivity records activity. It may be called from any goroutine.
func (t *Tracker) OnActivity(now time.Time) {
	t.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (t *Tracker) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// TimeInState returns how long the tracker has been in its current state.
func (t *Tracker) TimeInState(now time.Time) time.Duration {
	return time.Duration(now.UnixNano() - t.changedAt)
}

// Transition moves to the given state when legal and reports whether it changed.
func (t *Tracker) Transition(to State, now time.Time) bool {
	from := t.State()
	if from == to || !CanTransition(from, to) {
		return false
	}
	t.state.Store(int32(to))
	t.changedAt = now.UnixNano()
	if t.onChange != nil {
		t.onChange(from, to)
	}
	return true
}

// Inactive reports whether no activity has been seen for the inactivity timeout.
func (t *Tracker) Inactive(now time.Time) bool {
	return now.UnixNano()-t.lastActivity.Load() > int64(t.timeouts.Inactivity)
}

// Check applies the timer-driven transitions: an inactive Connected tracker becomes
// Disconnected, a Disconnected tracker whose consumer has drained and whose source is
// gone starts to Linger, and a Linger that outlived its timeout is Closed.
func (t *Tracker) Check(now time.Time, drained, sourceGone bool) State {
	switch t.State() {
	case Pending, Connected, Simulated:
		if t.Inactive(now) {
			t.Transition(Disconnected, now)
		}
	case Disconnected:
		if drained && sourceGone {
			t.Transition(Linger, now)
		}
	case Linger:
		if t.TimeInState(now) >= t.timeouts.Linger {
			t.Transition(Closed, now)
		}
	}
	return t.State()
}
