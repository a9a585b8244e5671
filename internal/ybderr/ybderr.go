// Package ybderr defines the typed error kinds a run can fail with
// (spec.md §7), each wrapping an underlying cause via golang.org/x/xerrors
// so callers can still %w-unwrap to the original I/O or HTTP error.
package ybderr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind identifies one row of spec.md §7's error table.
type Kind string

const (
	KindDefinitionMissing Kind = "definition-missing"
	KindCycleDetected     Kind = "cycle-detected"
	KindLockBusy          Kind = "lock-busy"
	KindRemoteConflict    Kind = "remote-conflict"
	KindCorruptArtifact   Kind = "corrupt-artifact"
	KindNoSpace           Kind = "no-space"
	KindSandboxFailure    Kind = "sandbox-failure"
	KindRemoteUnavailable Kind = "remote-unavailable"
	KindInterrupted       Kind = "interrupted"
)

// Error is a typed, wrapped error carrying one of the Kind values above
// plus the component-specific detail (a definition path, a cache key, ...).
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no underlying cause.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error around an underlying cause, via xerrors.Errorf so
// the %w chain and call-site frame are preserved for %+v formatting.
func Wrap(kind Kind, detail string, err error) error {
	if err == nil {
		return New(kind, detail)
	}
	return &Error{Kind: kind, Detail: detail, Err: xerrors.Errorf("%s: %w", detail, err)}
}

// Is reports whether err is a *Error of the given kind, walking the chain
// the way errors.Is would (done manually here since Kind is a plain string
// field, not a sentinel value comparable with ==).
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retry is the explicit result/error variant for compose()'s "try again
// later" outcome (spec.md Design Notes — Retry as a return value, not
// exception-for-control-flow). It is returned by the lock manager on a
// busy per-key lock, and assembly passes it up unwrapped to the top-level
// retry loop.
type Retry struct {
	Reason string
}

func (r *Retry) Error() string { return fmt.Sprintf("retry: %s", r.Reason) }

// AsRetry reports whether err is a *Retry, for the top-level retry loop to
// distinguish "try again" from a hard failure.
func AsRetry(err error) (*Retry, bool) {
	r, ok := err.(*Retry)
	return r, ok
}
