// Package question mediates between a task that needs input and whoever is
// expected to supply it.
package question

import "errors"

var (
	// ErrTimeout is returned when no answer arrives within the wait.
	ErrTimeout = errors.New("question timed out")
	// ErrSuperseded is returned to the waiter of a question replaced by a
	// newer one for the same task.
	ErrSuperseded = errors.New("question superseded")
	// ErrCancelled is returned when the question or its task was cancelled.
	ErrCancelled = errors.New("question cancelled")
	// ErrNotFound is returned for an unknown or already settled question.
	ErrNotFound = errors.New("question not found")
	// ErrNotPending is returned when a question already received its answer.
	ErrNotPending = errors.New("question already resolved")
)
