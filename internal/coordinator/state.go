package coordinator

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateReady
	StateRefreshing
	StateDegraded
	StateFailed
	StateStopped
)

var stateNames = map[State]string{
	StateUninitialized:  "uninitialized",
	StateAuthenticating: "authenticating",
	StateReady:          "ready",
	StateRefreshing:     "refreshing",
	StateDegraded:       "degraded",
	StateFailed:         "failed",
	StateStopped:        "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Running reports whether the coordinator holds a session and keeps polling.
func (s State) Running() bool {
	return s == StateReady || s == StateRefreshing || s == StateDegraded
}

// canStart lists the states Start is accepted from.
func (s State) canStart() bool {
	return s == StateUninitialized || s == StateStopped || s == StateFailed
}
