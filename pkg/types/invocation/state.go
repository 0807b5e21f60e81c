package invocation

import (
	"github.com/pkg/errors"
)

// State is the lifecycle state of one invocation.
//
//	Pending -> Authorized -> Executing -> {Completed | TimedOut | Failed}
//
// Pending and Authorized may also move straight to Failed when resolution or
// authorization rejects the request.
type State string

const (
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StatePending:    {StateAuthorized, StateFailed},
	StateAuthorized: {StateExecuting, StateFailed},
	StateExecuting:  {StateCompleted, StateTimedOut, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Lifecycle tracks the state of a single invocation and rejects illegal
// transitions. It is owned by one goroutine.
type Lifecycle struct {
	current State
	history []State
}

// NewLifecycle starts a lifecycle in StatePending.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{current: StatePending, history: []State{StatePending}}
}

// Current returns the current state.
func (l *Lifecycle) Current() State {
	return l.current
}

// History returns every state visited, in order.
func (l *Lifecycle) History() []State {
	out := make([]State, len(l.history))
	copy(out, l.history)
	return out
}

// Transition moves to next or returns an error if the move is illegal.
func (l *Lifecycle) Transition(next State) error {
	if !l.current.CanTransition(next) {
		return errors.Errorf("invalid state transition %s -> %s", l.current, next)
	}
	l.current = next
	l.history = append(l.history, next)
	return nil
}
