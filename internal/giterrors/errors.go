// Package giterrors implements the error-code taxonomy shared by every
// component: pkt-line/object/pack decoders, ref storage, protection, and
// receive-pack all return *Error so callers can branch on Code with
// errors.Is instead of string matching.
package giterrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"github.com/pkg/errors"
)

// Code is a closed set of wire-visible error codes (spec §6).
type Code string

const (
	NotFound           Code = "NOT_FOUND"
	AlreadyExists      Code = "ALREADY_EXISTS"
	InvalidName        Code = "INVALID_NAME"
	InvalidSha         Code = "INVALID_SHA"
	Locked             Code = "LOCKED"
	Conflict           Code = "CONFLICT"
	CircularRef        Code = "CIRCULAR_REF"
	MaxDepthExceeded   Code = "MAX_DEPTH_EXCEEDED"
	CorruptObject      Code = "CORRUPT_OBJECT"
	CorruptPack        Code = "CORRUPT_PACK"
	UnsupportedVersion Code = "UNSUPPORTED_VERSION"
	PackLimitExceeded  Code = "PACK_LIMIT_EXCEEDED"
	NonFastForward     Code = "NON_FAST_FORWARD"
	Protected          Code = "PROTECTED"
	HookRejected       Code = "HOOK_REJECTED"
	Unauthorized       Code = "UNAUTHORIZED"
	MalformedAuth      Code = "MALFORMED_AUTH"
	MalformedPktLine   Code = "MALFORMED_PKT"
)

// integrity/programmer-error codes get a captured stack via go-errors;
// everything else is plain propagation via pkg/errors.
var stackWorthy = map[Code]bool{
	CorruptObject:      true,
	CorruptPack:        true,
	UnsupportedVersion: true,
	PackLimitExceeded:  true,
}

// Error is the concrete type every component returns. Two *Error values
// with the same Code are == under errors.Is regardless of Message/cause,
// matching how callers actually want to branch ("was this a CONFLICT?"),
// not "is this the exact same occurrence?".
type Error struct {
	Code    Code
	Message string
	cause   error
	headers map[string]string
}

// WithHeader attaches a response header the HTTP layer should set
// alongside this error's status code (used by UNAUTHORIZED's
// WWW-Authenticate challenge). Returns e for chaining.
func (e *Error) WithHeader(key, value string) *Error {
	if e.headers == nil {
		e.headers = make(map[string]string)
	}
	e.headers[key] = value
	return e
}

// Headers returns any response headers attached via WithHeader.
func (e *Error) Headers() map[string]string { return e.headers }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a fresh *Error with no cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new *Error of the given code, choosing the
// stack-capturing path for integrity/resource codes and plain
// annotation for everything else.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return New(code, format, args...)
	}
	msg := fmt.Sprintf(format, args...)
	if stackWorthy[code] {
		return &Error{Code: code, Message: msg, cause: goerrors.Wrap(cause, 1)}
	}
	return &Error{Code: code, Message: msg, cause: errors.Wrap(cause, msg)}
}

// Of reports whether err carries the given code, unwrapping through any
// chain of fmt.Errorf("%w", ...) / errors.Wrap wrapping in between.
func Of(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ge, ok := err.(*Error); ok {
			e = ge
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}

// Sentinel values for errors.Is comparisons where no extra message is
// needed, e.g. `errors.Is(err, giterrors.ErrNotFound)`.
var (
	ErrNotFound         = &Error{Code: NotFound}
	ErrAlreadyExists    = &Error{Code: AlreadyExists}
	ErrInvalidName      = &Error{Code: InvalidName}
	ErrInvalidSha       = &Error{Code: InvalidSha}
	ErrLocked           = &Error{Code: Locked}
	ErrConflict         = &Error{Code: Conflict}
	ErrCircularRef      = &Error{Code: CircularRef}
	ErrMaxDepthExceeded = &Error{Code: MaxDepthExceeded}
	ErrCorruptObject    = &Error{Code: CorruptObject}
	ErrCorruptPack      = &Error{Code: CorruptPack}
	ErrUnsupportedVers  = &Error{Code: UnsupportedVersion}
	ErrPackLimit        = &Error{Code: PackLimitExceeded}
	ErrNonFastForward   = &Error{Code: NonFastForward}
	ErrProtected        = &Error{Code: Protected}
	ErrHookRejected     = &Error{Code: HookRejected}
	ErrUnauthorized     = &Error{Code: Unauthorized}
)
