// Package pipelineerr defines the pipeline's error taxonomy as
// typed, comparable values so callers across queue/pipeline/room/daemon can
// classify a failure without string matching.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the five error classes.
type Kind string

const (
	// KindTransient covers HTTP 5xx, timeout, or a broken channel. No
	// automatic retry or backoff is applied: the error is surfaced to the
	// caller as is (the song pipeline marks the song errored).
	KindTransient Kind = "transient_external"

	// KindProtocol covers a malformed message or schema mismatch. Logged;
	// the sender's state is preserved.
	KindProtocol Kind = "protocol"

	// KindState covers a lost claim or an illegal state transition. The
	// worker exits cleanly; the data service remains the source of truth.
	KindState Kind = "state"

	// KindResource covers a bind failure, a socket already in use, or a
	// missing binary. Fatal at the relevant subsystem.
	KindResource Kind = "resource"

	// KindUser covers a bad flag, unknown subcommand, or missing room.
	// Printed to the user; produces a non-zero exit.
	KindUser Kind = "user"
)

// Error carries a Kind alongside the wrapped cause so callers can both
// errors.Is against a sentinel and errors.As to recover the Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Transient wraps cause as a retryable external failure.
func Transient(msg string, cause error) error { return newErr(KindTransient, msg, cause) }

// Protocol wraps cause as a malformed-message failure.
func Protocol(msg string, cause error) error { return newErr(KindProtocol, msg, cause) }

// State builds a lost-claim or illegal-transition failure; it carries no
// cause.
func State(msg string) error { return newErr(KindState, msg, nil) }

// Resource wraps cause as a fatal startup/bind failure.
func Resource(msg string, cause error) error { return newErr(KindResource, msg, cause) }

// User builds a user-facing CLI failure; it carries no cause.
func User(msg string) error { return newErr(KindUser, msg, nil) }

// ErrStaleRoomSession is a distinct error class: a
// joinRoom finds its room session gone, distinguishing "playlist deleted"
// from "network failure" so the CLI can offer a fresh selection.
var ErrStaleRoomSession = errors.New("stale room session")

// KindOf reports the Kind of err, or "" if err is not (or does not wrap) a
// [*Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an [*Error] of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
