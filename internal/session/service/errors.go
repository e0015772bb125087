package service

import "errors"

// ErrUnauthorized is the only message a caller sees for a rejected session operation.
var ErrUnauthorized = errors.New("session invalid or expired")

// ErrInvalidDecision is returned for a concurrency decision other than KEEP_NEW or KEEP_EXISTING.
var ErrInvalidDecision = errors.New("invalid concurrent session decision")

// UnauthorizedError carries the internal reason for a rejection. Error never reveals it;
// use Reason for logs only.
type UnauthorizedError struct {
	Reason string
	Err    error
}

func (e *UnauthorizedError) Error() string { return ErrUnauthorized.Error() }

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

func (e *UnauthorizedError) Unwrap() error { return e.Err }

func unauthorized(reason string) error {
	return &UnauthorizedError{Reason: reason}
}

// Reason returns the internal rejection reason carried by err, or "".
func Reason(err error) string {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}
