// Package fault tags pipeline errors with a retry classification so
// the worker loop can map any stage failure to a single finalize
// decision. No error crosses the pipeline boundary untagged.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindTransient covers timeouts, rate limits, provider 5xx and
	// empty responses. The job goes back to pending until retries
	// are exhausted.
	KindTransient Kind = iota
	// KindPermanent covers bad credentials, content-safety blocks
	// and unrepairable output. The job fails terminally.
	KindPermanent
	// KindCancelled is a cooperative abort observed at a stage
	// boundary. Terminal cancelled, not failed.
	KindCancelled
	// KindLeaseLost means another worker owns the job now. The
	// worker drops its in-memory state and moves on; nothing is
	// written.
	KindLeaseLost
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	case KindLeaseLost:
		return "lease_lost"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

func Cancelled(err error) error {
	return &Error{Kind: KindCancelled, Err: err}
}

func LeaseLost(err error) error {
	return &Error{Kind: KindLeaseLost, Err: err}
}

// KindOf classifies err. Untagged errors default to transient:
// overcounting retries on an unknown failure is cheaper than failing
// a recoverable job terminally. Bare context errors are transient
// too; a cancelled job is only ever recognized through the persisted
// flag, and worker shutdown is handled before classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether err should send the job back to pending.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
