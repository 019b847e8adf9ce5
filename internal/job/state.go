package job

import "fmt"

// State is the lifecycle position of one file job.
type State int

const (
	Pending State = iota
	Rasterizing
	Recognizing
	Assembling
	Saving
	Deleting
	Done
	Failed
)

var stateNames = [...]string{"Pending", "Rasterizing", "Recognizing", "Assembling", "Saving", "Deleting", "Done", "Failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s == Done || s == Failed }

// next lists the only forward step from each non-terminal state. Failed is
// reachable from all of them.
var next = map[State]State{
	Pending:     Rasterizing,
	Rasterizing: Recognizing,
	Recognizing: Assembling,
	Assembling:  Saving,
	Saving:      Deleting,
	Deleting:    Done,
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	n, ok := next[from]
	return ok && n == to
}
