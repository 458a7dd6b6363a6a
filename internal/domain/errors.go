package domain

import (
	"errors"
	"fmt"
)

// ErrRejected marks a venue rejection (bad price, insufficient balance).
// Rejections are surfaced and pause the market; they are never retried in a
// loop. Use errors.Is to detect it through wrapping.
var ErrRejected = errors.New("order rejected")

// RejectedOrderError carries the venue's rejection reason.
type RejectedOrderError struct {
	VenueID string
	Reason  string
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

func (e *RejectedOrderError) Is(target error) bool { return target == ErrRejected }

// TransientVenueError wraps network/timeout failures that are safe to retry
// with backoff (bounded attempts).
type TransientVenueError struct {
	Op  string
	Err error
}

func (e *TransientVenueError) Error() string {
	return fmt.Sprintf("%s: transient venue error: %v", e.Op, e.Err)
}

func (e *TransientVenueError) Unwrap() error { return e.Err }

// IsTransient devuelve true si el error admite retry.
func IsTransient(err error) bool {
	var t *TransientVenueError
	return errors.As(err, &t)
}
