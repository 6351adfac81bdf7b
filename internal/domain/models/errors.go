package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrStale             = errors.New("price stale")
	ErrInvalidTransition = errors.New("invalid signal transition")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrAdapterConnect    = errors.New("adapter connect failure")
	ErrBatchAbort        = errors.New("batch aborted")
	ErrRunInProgress     = errors.New("automation run in progress")
	ErrLockHeld          = errors.New("signal lock held")
)

// StaleError carries the stale cached quote so callers can opt into using it.
type StaleError struct {
	Quote PriceQuote
	Age   time.Duration
	Err   error // live fetch failure
}

func (e *StaleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price stale for %s (age %s): %v", e.Quote.Key(), e.Age, e.Err)
	}
	return fmt.Sprintf("price stale for %s (age %s)", e.Quote.Key(), e.Age)
}

func (e *StaleError) Is(target error) bool { return target == ErrStale }

func (e *StaleError) Unwrap() error { return e.Err }
