// Package errs defines the structured error taxonomy shared by every
// money-moving component. Errors carry a stable machine code, an HTTP
// status for the boundary, and a details map that is safe to return to
// clients. Integrity errors are a distinct kind: they are never surfaced
// verbatim and trigger the critical alert hook.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for propagation policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindLimit
	KindIntegrity
)

// Stable error codes returned to clients.
const (
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeUnauthorizedTransition = "UNAUTHORIZED_TRANSITION"
	CodeInvalidSignature       = "INVALID_SIGNATURE"
	CodeWalletNotFound         = "WALLET_NOT_FOUND"
	CodeOrderNotFound          = "ORDER_NOT_FOUND"
	CodeEscrowNotFound         = "ESCROW_NOT_FOUND"
	CodeWithdrawalNotFound     = "WITHDRAWAL_NOT_FOUND"
	CodeBankAccountNotFound    = "BANK_ACCOUNT_NOT_FOUND"
	CodeUserSuspended          = "USER_SUSPENDED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeIdempotencyKeyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeRequestInProgress      = "REQUEST_IN_PROGRESS"
	CodeDuplicateEntry         = "DUPLICATE_ENTRY"
	CodeDuplicateIdempotency   = "DUPLICATE_IDEMPOTENCY_KEY"
	CodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	CodeWithdrawalLimit        = "WITHDRAWAL_LIMIT_EXCEEDED"
	CodeWithdrawalCooling      = "WITHDRAWAL_COOLING_PERIOD"
	CodeWithdrawalFlagged      = "WITHDRAWAL_FLAGGED"
	CodeLedgerInvariant        = "LEDGER_INVARIANT_VIOLATION"
	CodeLedgerMismatch         = "LEDGER_MISMATCH"
	CodeMFARequired            = "MFA_REQUIRED"
	CodeUnauthenticated        = "UNAUTHENTICATED"
)

// Error is the structured error carried through the core.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error to its boundary status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated, CodeInvalidSignature:
		return http.StatusUnauthorized
	case CodeUnauthorizedTransition, CodeUserSuspended, CodeWithdrawalFlagged, CodeMFARequired:
		return http.StatusForbidden
	}
	switch e.Kind {
	case KindValidation, KindLimit:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindIntegrity:
		return http.StatusInternalServerError
	default:
		if e.Code == CodeIdempotencyKeyReused {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// Critical reports whether the error must trigger the alert hook.
func (e *Error) Critical() bool {
	return e.Kind == KindIntegrity
}

// PublicMessage is the message safe to return to clients. Integrity errors
// surface as a generic internal error.
func (e *Error) PublicMessage() string {
	if e.Kind == KindIntegrity {
		return "internal error"
	}
	return e.Message
}

// WithDetail returns the error with one more detail attached.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Validation builds a 400-class validation error.
func Validation(code, message string) *Error {
	return newError(KindValidation, code, message)
}

// Authorization builds a 401/403-class error.
func Authorization(code, message string) *Error {
	return newError(KindAuthorization, code, message)
}

// NotFound builds a 404-class error.
func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message)
}

// Conflict builds a 409-class error.
func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message)
}

// Limit builds a limit rejection. Limit errors surface as 400 with the
// usage details preserved.
func Limit(code, message string) *Error {
	return newError(KindLimit, code, message)
}

// Integrity builds a fatal integrity error. These surface as generic 500s.
func Integrity(code, message string, cause error) *Error {
	e := newError(KindIntegrity, code, message)
	e.Cause = cause
	return e
}

// Wrap attaches a cause to an existing error, preserving its taxonomy.
func Wrap(err error, cause error) *Error {
	var e *Error
	if errors.As(err, &e) {
		clone := *e
		clone.Cause = cause
		return &clone
	}
	return &Error{Code: "INTERNAL", Kind: KindUnknown, Message: err.Error(), Cause: cause}
}

// CodeOf extracts the stable code from any error, or empty.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As is a convenience errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
