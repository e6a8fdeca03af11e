package analysis

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrVideoNotFound      = errors.New("analysis: video not found")
	ErrResultNotFound     = errors.New("analysis: result not found")
	ErrAlreadyProcessed   = errors.New("analysis: video already processed")
	ErrInProgress         = errors.New("analysis: video is being processed")
	ErrRateLimited        = errors.New("analysis: rate limited")
	ErrTrialDisabled      = errors.New("analysis: trial analysis disabled")
	ErrExternalWorkFailed = errors.New("analysis: external work failed")
	ErrMalformedResponse  = errors.New("analysis: malformed provider response")
	ErrInvalidVideo       = errors.New("analysis: invalid video")

	// errRunTaken means another actor moved the run out of the expected
	// status, usually the sweeper.
	errRunTaken = errors.New("analysis: run no longer in expected status")
)

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("analysis: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ExternalWorkError is a failed provider call or result write. Refunded is
// set only once the run's chips are back on the balance.
type ExternalWorkError struct {
	Cause    error
	Refunded bool
}

func (e *ExternalWorkError) Error() string {
	if e.Cause == nil {
		return ErrExternalWorkFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrExternalWorkFailed, e.Cause)
}

func (e *ExternalWorkError) Is(target error) bool {
	return target == ErrExternalWorkFailed
}

func (e *ExternalWorkError) Unwrap() error {
	return e.Cause
}
