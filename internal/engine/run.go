package engine

import (
	cerr "github.com/ideamine/conductor/internal/errors"
)

// Run states. Phase states share their names with the pipeline phases;
// a run in state "build" is executing the build phase.
const (
	StateCreated   = "created"
	StateIntake    = "intake"
	StateIdeation  = "ideation"
	StateCritique  = "critique"
	StatePRD       = "prd"
	StateBizDev    = "bizdev"
	StateArch      = "arch"
	StateBuild     = "build"
	StateStoryLoop = "story_loop"
	StateQA        = "qa"
	StateAesthetic = "aesthetic"
	StateSecurity  = "security"
	StateRelease   = "release"
	StateBeta      = "beta"
	StateGA        = "ga"
	StatePaused    = "paused"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// phaseOrder is the linear pipeline a run advances along.
var phaseOrder = []string{
	StateIntake, StateIdeation, StateCritique, StatePRD, StateBizDev,
	StateArch, StateBuild, StateStoryLoop, StateQA, StateAesthetic,
	StateSecurity, StateRelease, StateBeta,
}

// Phases returns the pipeline phase names in execution order.
func Phases() []string {
	out := make([]string, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// phaseIndex returns the position of a phase state, or -1 for
// non-phase states.
func phaseIndex(state string) int {
	for i, p := range phaseOrder {
		if p == state {
			return i
		}
	}
	return -1
}

// IsPhase reports whether a run state names a pipeline phase.
func IsPhase(state string) bool { return phaseIndex(state) >= 0 }

// IsTerminal reports whether a run state admits no further transitions.
func IsTerminal(state string) bool {
	return state == StateGA || state == StateFailed || state == StateCancelled
}

// Legal reports whether from → to is in the transition graph: phases
// advance strictly forward (undeclared phases are skipped, so jumps
// ahead are legal, moves backwards are not), any non-terminal state may
// pause, fail, or cancel, and a paused run returns to the phase it
// paused from.
func Legal(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	switch to {
	case StatePaused, StateFailed, StateCancelled:
		return true
	}
	if from == StatePaused {
		return IsPhase(to)
	}
	if from == StateCreated {
		return IsPhase(to)
	}
	if i := phaseIndex(from); i >= 0 {
		if to == StateGA {
			return true
		}
		return phaseIndex(to) > i
	}
	return false
}

// transition validates and applies a run state change.
func transition(current, next string) (string, error) {
	if !Legal(current, next) {
		return current, cerr.ErrIllegalTransition(current, next)
	}
	return next, nil
}
