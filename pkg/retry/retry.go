// Package retry provides the bounded exponential-backoff driver used for
// metadata and policy writes.
//
// Only transient failures are retried. A failure is transient when it was
// marked with Transient (or satisfies the Transienter interface); semantic
// failures such as parse errors or missing documents return immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop: exponential delays starting at InitialDelay,
// at most MaxAttempts total attempts.
type Policy struct {
	InitialDelay time.Duration
	MaxAttempts  uint
}

// Default is the policy applied to policy-save and metadata-update paths.
var Default = Policy{InitialDelay: 250 * time.Millisecond, MaxAttempts: 3}

// Transienter is implemented by errors that may succeed on replay.
type Transienter interface {
	Transient() bool
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var t Transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Do runs fn, retrying transient failures per the policy. The last error is
// returned when attempts are exhausted or a non-transient failure occurs.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if p.MaxAttempts == 0 {
		p = Default
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay

	op := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts))
	return err
}
