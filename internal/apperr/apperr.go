// Package apperr classifies failures of the match and chat core into a small
// set of kinds that the realtime gateway translates into wire error codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// KindInternal is any failure that was not classified.
	KindInternal Kind = iota
	// KindBadInput covers missing or malformed ids, non-positive distances,
	// empty content and self-referential pairs. Rejected before the store.
	KindBadInput
	// KindNotFound means an id did not resolve, or no record was in a state
	// that allows the requested transition.
	KindNotFound
	// KindUnauthorized means the acting user is not a party to the entity.
	KindUnauthorized
	// KindConflict covers duplicate match requests and writes to archived chats.
	KindConflict
	// KindUpstream is a third-party or store outage.
	KindUpstream
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified failure. Op names the operation that failed
// ("match.decline"), Msg is safe to show to the caller.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone: errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrBadInput     = &Error{Kind: KindBadInput}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUpstream     = &Error{Kind: KindUpstream}
)

// BadInput returns a KindBadInput error.
func BadInput(op, msg string) error {
	return &Error{Kind: KindBadInput, Op: op, Msg: msg}
}

// NotFound returns a KindNotFound error.
func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// Unauthorized returns a KindUnauthorized error.
func Unauthorized(op, msg string) error {
	return &Error{Kind: KindUnauthorized, Op: op, Msg: msg}
}

// Conflict returns a KindConflict error.
func Conflict(op, msg string) error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg}
}

// Upstream wraps an outage of a store or third-party service.
func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Msg: "upstream unavailable", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-safe message of err. Unclassified errors get a
// generic message so internals do not leak onto the wire.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "internal error"
}
