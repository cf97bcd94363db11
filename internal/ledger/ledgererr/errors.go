package ledgererr

import "errors"

// Code is a machine-readable ledger error code.
type Code string

const (
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNoneValue       Code = "NONE_VALUE"
	CodeStorageOverflow Code = "STORAGE_OVERFLOW"
	CodeInvalidTx       Code = "INVALID_TX"
	CodeUnsupportedOp   Code = "UNSUPPORTED_OP"
)

// Sentinels for errors.Is. Matching is by code, so wrapped or
// re-messaged errors still compare equal.
var (
	ErrUnauthorized    = New(CodeUnauthorized, "origin is not a valid signed identity")
	ErrNoneValue       = New(CodeNoneValue, "counter is not set")
	ErrStorageOverflow = New(CodeStorageOverflow, "counter increment would overflow")
	ErrInvalidTx       = New(CodeInvalidTx, "invalid transaction")
	ErrUnsupportedOp   = New(CodeUnsupportedOp, "unsupported operation")
)

// Error is the ledger error type surfaced to callers.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with a code that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first ledger error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
