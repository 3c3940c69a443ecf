package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExists is returned by Add when the identifier is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionRetired is returned by Add when the identifier was used before.
	ErrSessionRetired = errors.New("session id retired")
	// ErrEmptySessionID is returned by Add for an empty identifier.
	ErrEmptySessionID = errors.New("empty session id")
)

// Event names a lifecycle notification.
type Event string

const (
	EventConnected  Event = "connected"
	EventTerminated Event = "terminated"
)

// ObserverError reports an observer that failed while handling an event.
type ObserverError struct {
	Event     Event
	SessionID string
	Err       error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("sessions: %s observer for %q: %v", e.Event, e.SessionID, e.Err)
}

func (e *ObserverError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking observer.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("observer panic: %v", e.Value)
}
