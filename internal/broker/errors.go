package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass splits broker failures into retryable and terminal.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassFatal
)

// Well-known gateway error codes. Codes outside this table default to
// fatal so an unknown failure is never retried blindly.
const (
	CodeConnectionLost      = 1100
	CodeTimeout             = 1101
	CodeRateLimited         = 1102
	CodeWorkingOrderLock    = 1103
	CodeAuthFailed          = 2100
	CodeNoPermission        = 2101
	CodeUnknownInstrument   = 2102
	CodeAccountError        = 2103
	CodeDuplicateClientID   = 2104
	CodeMalformedRequest    = 2105
)

// Error is a classified broker failure.
type Error struct {
	Code    int
	Message string
	Class   ErrorClass
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Message)
}

// NewError classifies code into the taxonomy and wraps it as an Error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message, Class: classify(code)}
}

func classify(code int) ErrorClass {
	switch code {
	case CodeConnectionLost, CodeTimeout, CodeRateLimited, CodeWorkingOrderLock:
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient reports whether err should enter the retry policy.
// Deadline expiry counts as transient; it maps to the timeout class.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Class == ClassTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAccountError reports a broker-side account failure, which the risk
// kernel treats as a halt trigger.
func IsAccountError(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == CodeAccountError
}
