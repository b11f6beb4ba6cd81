package browser

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a browser action failed.
type ErrorCode string

const (
	ErrCodeElementNotFound  ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNavigationFailed ErrorCode = "NAVIGATION_FAILED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeInvalidAction    ErrorCode = "INVALID_ACTION"
	ErrCodeExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	ErrCodeNotStarted       ErrorCode = "NOT_STARTED"
)

// ErrNotStarted is returned by drivers used before Start or after Close.
var ErrNotStarted = errors.New("browser is not running")

// ActionError is a failed browser action together with its classification.
type ActionError struct {
	Code   ErrorCode
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Action, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Action, e.Code, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from err, or "" when err is not an ActionError.
func CodeOf(err error) ErrorCode {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func actionErr(code ErrorCode, action string, err error) error {
	return &ActionError{Code: code, Action: action, Err: err}
}
