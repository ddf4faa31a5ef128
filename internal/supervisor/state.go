package supervisor

import "fmt"

// State is the supervisor lifecycle position. Transitions only move forward.
type State int32

const (
	Idle State = iota
	Launching
	Running
	ShuttingDown
	Stopped
)

var stateNames = []string{"idle", "launching", "running", "shutting_down", "stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
