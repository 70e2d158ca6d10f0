package coordinator

import (
	"time"

	"github.com/joshp123/ngenic-bridge/internal/topology"
)

// StatusEvent reports a lifecycle transition worth surfacing: Ready after a
// start or recovery, Degraded, Failed and Stopped.
type StatusEvent struct {
	State               State
	Previous            State
	Err                 error
	ConsecutiveFailures int
	NextInterval        time.Duration
	At                  time.Time
}

// Listener receives notifications from the refresh goroutine, in order. A
// listener must not block and must not call back into the coordinator
// synchronously.
type Listener interface {
	OnChanges(changes topology.ChangeSet, snapshot topology.Snapshot)
	OnStatus(event StatusEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Changes func(changes topology.ChangeSet, snapshot topology.Snapshot)
	Status  func(event StatusEvent)
}

func (f ListenerFuncs) OnChanges(changes topology.ChangeSet, snapshot topology.Snapshot) {
	if f.Changes != nil {
		f.Changes(changes, snapshot)
	}
}

func (f ListenerFuncs) OnStatus(event StatusEvent) {
	if f.Status != nil {
		f.Status(event)
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State               State
	ConsecutiveFailures int
	Interval            time.Duration
	NextInterval        time.Duration
	Cycles              int
	LastError           error
	LastSuccess         time.Time
	SessionID           string
}
