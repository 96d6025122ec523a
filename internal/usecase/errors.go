package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorAuthFailure       ErrorCode = "AUTH_FAILURE"
	ErrorMalformedEnvelope ErrorCode = "MALFORMED_ENVELOPE"
	ErrorPerMessage        ErrorCode = "PER_MESSAGE_FAILURE"
	ErrorStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

// ErrClaimContention reports that a conversation kept changing under a message
// for every claim attempt.
var ErrClaimContention = errors.New("usecase: conversation claim contention")

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}
