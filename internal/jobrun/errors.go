// Package jobrun is the Job Runner (spec.md §4.8): the generic execution
// wrapper that loads an event, applies the idempotency guard, dispatches to
// a handler, classifies the outcome, and writes back status. Grounded on
// original_source/app/jobs/retry.py's run_event_job.
package jobrun

import "fmt"

// TransientError marks a failure that should be retried with backoff
// (spec.md §7: network, timeout, 408/429/5xx from any dependency).
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err (which may be nil) as a TransientError with reason.
func NewTransient(reason string, err error) *TransientError {
	return &TransientError{Reason: reason, Err: err}
}

// PermanentError marks a failure the Runner never retries (spec.md §7: 4xx
// other than 429, unrecoverable schema failure after repair, missing
// required upstream fields, runtime config errors).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanent wraps err (which may be nil) as a PermanentError with reason.
func NewPermanent(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

// IgnoredError marks a handler decision to terminate without CRM side
// effects, distinct from failure (spec.md §9: "ignored" is a first-class
// terminal state that sets processed[k] but never fires the Notifier).
type IgnoredError struct {
	Reason string
}

func (e *IgnoredError) Error() string { return e.Reason }

// NewIgnored constructs an IgnoredError.
func NewIgnored(reason string) *IgnoredError {
	return &IgnoredError{Reason: reason}
}
