package pipeline

import "errors"

var (
	// ErrUnknownAction is returned when an action string is not recognised.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidTransition is returned by Transition for a move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid phase transition")
)
