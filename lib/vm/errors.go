package vm

import "errors"

var (
	// ErrNotFound is returned when a VM record is not found
	ErrNotFound = errors.New("vm not found")

	// ErrUnknownAction is returned for an action tag outside the closed set
	ErrUnknownAction = errors.New("unknown vm action")

	// ErrInvalidRequest is returned when a create request fails validation
	ErrInvalidRequest = errors.New("invalid vm request")
)
