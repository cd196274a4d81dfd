package action

import (
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the lifecycle state of an action.
type Status string

const (
	StatusInit             Status = "INIT"
	StatusReady            Status = "READY"
	StatusRunning          Status = "RUNNING"
	StatusWaiting          Status = "WAITING"
	StatusWaitingLifecycle Status = "WAITING_LIFECYCLE_COMPLETION"
	StatusSucceeded        Status = "SUCCEEDED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is accepted from s.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInit, StatusReady, StatusRunning, StatusWaiting, StatusWaitingLifecycle,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transition events, named after what the action does next.
const (
	eventReady   = "ready"
	eventRun     = "run"
	eventWait    = "wait"
	eventDefer   = "defer"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventCancel  = "cancel"
)

// transitions is the full action state machine. RUNNING cannot be cancelled
// directly: a handler that is executing finishes and its result is honoured.
var transitions = fsm.Events{
	{Name: eventReady, Src: []string{string(StatusInit), string(StatusWaiting), string(StatusWaitingLifecycle)}, Dst: string(StatusReady)},
	{Name: eventRun, Src: []string{string(StatusReady)}, Dst: string(StatusRunning)},
	{Name: eventWait, Src: []string{string(StatusInit), string(StatusRunning)}, Dst: string(StatusWaiting)},
	{Name: eventDefer, Src: []string{string(StatusRunning)}, Dst: string(StatusWaitingLifecycle)},
	{Name: eventSucceed, Src: []string{string(StatusRunning), string(StatusWaiting)}, Dst: string(StatusSucceeded)},
	{Name: eventFail, Src: []string{string(StatusInit), string(StatusReady), string(StatusRunning), string(StatusWaiting), string(StatusWaitingLifecycle)}, Dst: string(StatusFailed)},
	{Name: eventCancel, Src: []string{string(StatusInit), string(StatusReady), string(StatusWaiting), string(StatusWaitingLifecycle)}, Dst: string(StatusCancelled)},
}

var eventFor = map[Status]string{
	StatusReady:            eventReady,
	StatusRunning:          eventRun,
	StatusWaiting:          eventWait,
	StatusWaitingLifecycle: eventDefer,
	StatusSucceeded:        eventSucceed,
	StatusFailed:           eventFail,
	StatusCancelled:        eventCancel,
}

// CheckTransition validates moving an action from one status to another.
// Leaving a terminal status is a graph inconsistency; any other edge missing
// from the state machine is an invalid transition.
func CheckTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: action already %s, refusing %s", ErrGraphInconsistency, from, to)
	}
	ev, ok := eventFor[to]
	if !ok {
		return fmt.Errorf("%w: no transition into %s", ErrInvalidTransition, to)
	}
	machine := fsm.NewFSM(string(from), transitions, nil)
	if !machine.Can(ev) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
