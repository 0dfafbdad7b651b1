package types

import "errors"

// Error is the error type returned for every rule the core enforces.
// Two errors are considered equal by errors.Is when their codes match.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Common error codes
const (
	// invalid input
	ErrCodeInvalidAddress = "INVALID_ADDRESS"
	ErrCodeInvalidAmount  = "INVALID_AMOUNT"
	ErrCodeInvalidPlan    = "INVALID_PLAN"
	ErrCodeInvalidInput   = "INVALID_INPUT"

	// business rules
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeDuplicateActive    = "DUPLICATE_ACTIVE_SUBSCRIPTION"
	ErrCodeAlreadyCancelled   = "ALREADY_CANCELLED"
	ErrCodeConcurrentModified = "CONCURRENT_MODIFICATION"
	ErrCodeNotDue             = "NOT_DUE"

	// execution
	ErrCodeExecutionFailed = "EXECUTION_FAILED"
	ErrCodeNotConfirmed    = "NOT_CONFIRMED"
	ErrCodeConfigError     = "CONFIG_ERROR"
)

// Sentinels for errors.Is checks.
var (
	ErrInvalidAddress     = &Error{Code: ErrCodeInvalidAddress}
	ErrInvalidAmount      = &Error{Code: ErrCodeInvalidAmount}
	ErrInvalidPlan        = &Error{Code: ErrCodeInvalidPlan}
	ErrInvalidInput       = &Error{Code: ErrCodeInvalidInput}
	ErrNotFound           = &Error{Code: ErrCodeNotFound}
	ErrInvalidTransition  = &Error{Code: ErrCodeInvalidTransition}
	ErrDuplicateActive    = &Error{Code: ErrCodeDuplicateActive}
	ErrAlreadyCancelled   = &Error{Code: ErrCodeAlreadyCancelled}
	ErrConcurrentModified = &Error{Code: ErrCodeConcurrentModified}
	ErrNotDue             = &Error{Code: ErrCodeNotDue}
	ErrNotConfirmed       = &Error{Code: ErrCodeNotConfirmed}
	ErrConfig             = &Error{Code: ErrCodeConfigError}
)

// NewError builds an *Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds an *Error that keeps err in its chain.
func WrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsInvalidInput reports whether err was caused by malformed caller input.
func IsInvalidInput(err error) bool {
	return codeIn(err, ErrCodeInvalidAddress, ErrCodeInvalidAmount, ErrCodeInvalidPlan, ErrCodeInvalidInput)
}

// IsBusinessRule reports whether err is a lifecycle rule violation.
func IsBusinessRule(err error) bool {
	return codeIn(err, ErrCodeNotFound, ErrCodeInvalidTransition, ErrCodeDuplicateActive,
		ErrCodeAlreadyCancelled, ErrCodeConcurrentModified, ErrCodeNotDue)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && !IsInvalidInput(err) && !IsBusinessRule(err)
}

func codeIn(err error, codes ...string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}
