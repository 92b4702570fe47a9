// Package apperr defines the error taxonomy returned by the instance's public operations.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can map it to a response without string matching.
type Kind string

const (
	KindPrecondition Kind = "precondition_failed"
	KindTimeout      Kind = "timeout"
	KindSpawn        Kind = "process_spawn_failed"
	KindBusy         Kind = "busy"
	KindCancelled    Kind = "cancelled"
	KindUnexpected   Kind = "unexpected"
)

// BusyReason tells a caller what the instance is occupied with.
type BusyReason string

const (
	BusyStarting             BusyReason = "starting"
	BusyStopping             BusyReason = "stopping"
	BusyUpdatingOrInstalling BusyReason = "updating or installing"
	BusyExecutingCommand     BusyReason = "executing command"
)

// Sentinels usable with errors.Is.
var (
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrSpawn        = &Error{Kind: KindSpawn}
	ErrBusy         = &Error{Kind: KindBusy}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrUnexpected   = &Error{Kind: KindUnexpected}
)

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "start" or "execute command".
	Op string

	// Message is the human-readable description.
	Message string

	// Reason is set for KindBusy.
	Reason BusyReason

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Kind == KindBusy && e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

func Precondition(op, msg string) *Error {
	return &Error{Kind: KindPrecondition, Op: op, Message: msg}
}

func Timeout(op, msg string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: msg}
}

func Spawn(op string, err error) *Error {
	return &Error{Kind: KindSpawn, Op: op, Message: "failed to spawn process", Err: err}
}

func Busy(op string, reason BusyReason) *Error {
	return &Error{Kind: KindBusy, Op: op, Message: "instance is busy", Reason: reason}
}

func Cancelled(op string) *Error {
	return &Error{Kind: KindCancelled, Op: op, Message: "cancelled"}
}

func Unexpected(op string, err error) *Error {
	return &Error{Kind: KindUnexpected, Op: op, Message: "unexpected failure", Err: err}
}
