// Package session persists and drives staged install transactions. A
// session is submitted with candidate images, staged, marked ready for the
// next boot, activated at boot, and finally confirmed successful or rolled
// back. Every state transition is durable before it is reported.
package session

import (
	"errors"
	"time"

	"github.com/blackwell-systems/pkgd/internal/image"
)

// ErrInvalidState is returned when a session operation is requested in a
// state that forbids it.
var ErrInvalidState = errors.New("invalid session state")

// ErrPersistenceFailed is returned when a state transition could not be
// durably recorded. The transition did not happen.
var ErrPersistenceFailed = errors.New("session persistence failed")

// State is a session's position in its lifecycle.
type State string

const (
	// StateVerified: submitted and persisted, images verified but not yet
	// staged.
	StateVerified State = "VERIFIED"
	// StateStaged: images copied into the staging directory.
	StateStaged State = "STAGED"
	// StateReady: flagged for activation on the next boot.
	StateReady State = "READY"
	// StateActivated: images mounted and published, awaiting boot
	// confirmation.
	StateActivated State = "ACTIVATED"
	// StateSuccess: confirmed; terminal.
	StateSuccess State = "SUCCESS"
	// StateReverted: rolled back after an unconfirmed boot; terminal.
	StateReverted State = "REVERTED"
	// StateAborted: cancelled before confirmation; terminal.
	StateAborted State = "ABORTED"
)

// transitions lists the states reachable from each state. Terminal states
// reach nothing.
var transitions = map[State][]State{
	StateVerified:  {StateStaged, StateAborted},
	StateStaged:    {StateReady, StateAborted},
	StateReady:     {StateActivated, StateAborted},
	StateActivated: {StateSuccess, StateReverted, StateAborted},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// stateRank orders states for computing a parent's effective state. Failure
// states rank lowest so a single failed child dominates the group.
var stateRank = map[State]int{
	StateAborted:   0,
	StateReverted:  1,
	StateVerified:  2,
	StateStaged:    3,
	StateReady:     4,
	StateActivated: 5,
	StateSuccess:   6,
}

// MinState returns the lowest-ranked of the given states. A parent session
// may not advance past the minimum of its children's states.
func MinState(states []State) State {
	if len(states) == 0 {
		return StateVerified
	}
	min := states[0]
	for _, s := range states[1:] {
		if stateRank[s] < stateRank[min] {
			min = s
		}
	}
	return min
}

// Session is one persisted staged install transaction.
type Session struct {
	ID    int64
	State State
	// ChildIDs is the ordered list of child sessions for a grouping
	// session. A session with children stages no images of its own.
	ChildIDs []int64
	// IsRollback flags a session that itself undoes an earlier one. A
	// failed revert of such a session is fatal, never retried.
	IsRollback bool
	// RollbackTarget is the id of the session being undone, when
	// IsRollback is set.
	RollbackTarget int64
	Images         []image.PackageImage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
