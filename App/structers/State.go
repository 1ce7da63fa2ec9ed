package structers

// State is the lifecycle state of a backend.
type State int

const (
	Stopped State = iota
	Starting
	AwaitingReady
	Running
	Stopping
)

var stateNames = [...]string{
	Stopped:       "stopped",
	Starting:      "starting",
	AwaitingReady: "awaiting_ready",
	Running:       "running",
	Stopping:      "stopping",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// States lists every state, in declaration order.
func States() []State {
	return []State{Stopped, Starting, AwaitingReady, Running, Stopping}
}
