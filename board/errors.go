package board

import "errors"

// ErrSessionNotFound is returned when a referenced session has no persisted
// record and no in-memory entry.
var ErrSessionNotFound = errors.New("board: session not found")

// ErrElementNotFound is returned when a referenced element does not exist
// within its session's element sequence.
var ErrElementNotFound = errors.New("board: element not found")

// ErrValidation is returned when an incoming element fails schema
// validation (missing or unrecognized type discriminant).
var ErrValidation = errors.New("board: validation failed")

// ErrSubscriberClosed names the condition of a subscriber whose outbound
// queue has already been torn down. No function in this module returns it:
// Subscriber.Enqueue reports that condition by returning false.
var ErrSubscriberClosed = errors.New("board: subscriber closed")

// ErrSessionStopped is returned when an operation is submitted to a
// Session whose actor goroutine has already exited (normally because the
// registry evicted it). Callers that see this should re-resolve the
// session through the registry and retry.
var ErrSessionStopped = errors.New("board: session stopped")
