package desk

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is returned when a push event is missing or has invalid fields.
	// The event is dropped; other conversations are untouched.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrStaleEvent is returned for events addressed to a recently disconnected client.
	ErrStaleEvent = errors.New("stale event")

	// ErrUnknownSelectionTarget is returned when selecting a client absent from the roster.
	ErrUnknownSelectionTarget = errors.New("unknown selection target")

	// ErrFetchFailure is returned when get-client-conversations fails or is rejected.
	ErrFetchFailure = errors.New("fetch failure")

	// ErrFetchTimeout is returned when get-client-conversations is not acknowledged in time.
	// It matches ErrFetchFailure under errors.Is.
	ErrFetchTimeout = fmt.Errorf("%w: timeout", ErrFetchFailure)

	// ErrNoSelection is returned by Send when no conversation is selected.
	ErrNoSelection = errors.New("no conversation selected")

	// ErrEmptyText is returned by Send for empty or whitespace-only text.
	ErrEmptyText = errors.New("empty text")

	// ErrClosed is returned once the engine has been torn down.
	ErrClosed = errors.New("engine closed")
)

// EventError wraps a failure of a single event handler with the event name.
type EventError struct {
	Event    string
	ClientID string
	Err      error
}

func (e *EventError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("%s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("%s (client %s): %v", e.Event, e.ClientID, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

func malformed(event, clientID, reason string) error {
	return &EventError{Event: event, ClientID: clientID, Err: fmt.Errorf("%w: %s", ErrMalformedEvent, reason)}
}
