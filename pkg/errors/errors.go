// Package errors defines the coded error taxonomy shared by the wallet engine
// and helpers for attaching context and details to it.
//
//nolint:revive // Package name intentionally shadows stdlib.
package errors

import (
	"errors"
	"fmt"
	"sort"
)

// Error is a coded error. Two Errors match under errors.Is when their codes
// are equal, so wrapped and detailed copies still match their sentinel.
type Error struct {
	Code    string            // Machine-readable error code
	Message string            // Human-readable message
	Details map[string]string // Additional context
	Cause   error             // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg = fmt.Sprintf("%s (%s: %s)", msg, k, e.Details[k])
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is by comparing codes.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinel errors.
var (
	ErrInvalidInput = &Error{
		Code:    "INVALID_INPUT",
		Message: "invalid input",
	}

	ErrInvalidSeed = &Error{
		Code:    "INVALID_SEED",
		Message: "invalid seed phrase",
	}

	ErrInvalidKeyEncoding = &Error{
		Code:    "INVALID_KEY_ENCODING",
		Message: "invalid private key encoding",
	}

	ErrInvalidAddress = &Error{
		Code:    "INVALID_ADDRESS",
		Message: "invalid address",
	}

	ErrInvalidSignatureLength = &Error{
		Code:    "INVALID_SIGNATURE_LENGTH",
		Message: "signature must be exactly 65 bytes",
	}

	ErrInsufficientFunds = &Error{
		Code:    "INSUFFICIENT_FUNDS",
		Message: "insufficient funds for transaction",
	}

	// ErrSignatureValidationFailed is an internal invariant violation and is
	// never retried.
	ErrSignatureValidationFailed = &Error{
		Code:    "SIGNATURE_VALIDATION_FAILED",
		Message: "produced signature does not verify",
	}

	ErrCollaboratorUnavailable = &Error{
		Code:    "COLLABORATOR_UNAVAILABLE",
		Message: "external collaborator unavailable",
	}

	ErrBusy = &Error{
		Code:    "BUSY",
		Message: "another operation is in progress",
	}

	ErrInvalidState = &Error{
		Code:    "INVALID_STATE",
		Message: "invalid transaction state",
	}

	ErrPendingNotFound = &Error{
		Code:    "PENDING_NOT_FOUND",
		Message: "pending transaction not found or superseded",
	}

	ErrTxNotFound = &Error{
		Code:    "TX_NOT_FOUND",
		Message: "transaction not in the journal",
	}
)

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns a copy of sentinel carrying cause. The result matches sentinel
// under errors.Is and unwraps to cause.
func Wrap(sentinel *Error, cause error) error {
	return &Error{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Details: sentinel.Details,
		Cause:   cause,
	}
}

// Newf returns a copy of sentinel with a formatted message prefix.
func Newf(sentinel *Error, format string, args ...any) error {
	return &Error{
		Code:    sentinel.Code,
		Message: fmt.Sprintf("%s: %s", sentinel.Message, fmt.Sprintf(format, args...)),
		Details: sentinel.Details,
	}
}

// WithDetail adds a detail key to an error. Non-coded errors are returned
// unchanged.
func WithDetail(err error, key, value string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return err
	}

	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// Code returns the code of the first coded error in err's chain, or "" if
// there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is, As and Unwrap re-export the stdlib helpers so callers need one import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
