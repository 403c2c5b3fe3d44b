package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInsufficientInput       = errors.New("insufficient input")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrMissionInProgress       = errors.New("mission workflow already in progress")
	ErrSessionFinal            = errors.New("optimization session is final")
	ErrParameterNotOptimizable = errors.New("prompt parameter is not optimizable")
)

// InsufficientInputError is returned by scoring functions that cannot produce a
// meaningful value for empty input.
type InsufficientInputError struct {
	Subject string
}

func (e *InsufficientInputError) Error() string {
	return fmt.Sprintf("insufficient input: %s", e.Subject)
}

func (e *InsufficientInputError) Unwrap() error {
	return ErrInsufficientInput
}

type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so callers with a retry budget may try again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}
