package scheduler

import "golang.org/x/xerrors"

// Kind is the closed set of error kinds the scheduler can return, so the
// HTTP layer maps them to status codes uniformly instead of string-sniffing.
// See SPEC_FULL.md §7.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindIllegalState    Kind = "illegal_state"
	KindProbeUnavailable Kind = "probe_unavailable"
	KindLaunchFailure   Kind = "launch_failure"
	KindSessionLost     Kind = "session_lost"
)

// Error is a tagged scheduler error. Callers that need to branch on the kind
// use errors.As / xerrors.As against *Error.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Wrapped: err}
}

func newValidationError(msg string) error {
	return newErr(KindValidation, msg)
}

// NewValidationError builds a validation-kind error for callers outside this
// package, namely internal/api's request-body fast-rejection path.
func NewValidationError(msg string) error {
	return newValidationError(msg)
}

func newNotFound(msg string) error {
	return newErr(KindNotFound, msg)
}

func newIllegalState(msg string) error {
	return newErr(KindIllegalState, msg)
}

func newProbeUnavailable(msg string) error {
	return newErr(KindProbeUnavailable, msg)
}

// KindOf extracts the Kind from err, defaulting to "" if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var se *Error
	if xerrors.As(err, &se) {
		return se.Kind
	}
	return ""
}
