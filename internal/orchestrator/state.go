package orchestrator

import "fmt"

// State is a step of the per-layer cycle.
type State int

const (
	StateSetup State = iota
	StatePrinting
	StateCapturing
	StateDetecting
	StateDeciding
	StateCorrecting
	StateReverifying
	StateLogging
	StateShutdown
	StateDone
)

var stateNames = [...]string{
	StateSetup:       "setup",
	StatePrinting:    "printing",
	StateCapturing:   "capturing",
	StateDetecting:   "detecting",
	StateDeciding:    "deciding",
	StateCorrecting:  "correcting",
	StateReverifying: "reverifying",
	StateLogging:     "logging",
	StateShutdown:    "shutdown",
	StateDone:        "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transition is passed to the OnTransition hook. Layer is 0 outside the
// layer loop.
type Transition struct {
	Layer int
	State State
}
