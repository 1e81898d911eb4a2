package nip47

import (
	"errors"
	"fmt"

	"github.com/lightninglabs/nip47/nip47db"
)

// ErrorCode is the NIP-47 error code carried in the encrypted error response.
type ErrorCode string

const (
	// CodeRateLimited is returned when the node signaled throttling.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeNotImplemented is returned for unsupported methods or options.
	CodeNotImplemented ErrorCode = "NOT_IMPLEMENTED"

	// CodeInsufficientBalance is returned when channel capacity does not
	// cover the payment.
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"

	// CodeQuotaExceeded is returned when a budget reservation would
	// overflow the connection budget.
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// CodeRestricted is returned when a receive-only connection attempts
	// a payment method.
	CodeRestricted ErrorCode = "RESTRICTED"

	// CodeUnauthorized is returned when the connection is unknown or
	// revoked.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeInternal is returned for node RPC errors we cannot classify.
	CodeInternal ErrorCode = "INTERNAL"

	// CodeOther is returned for malformed payloads and invalid
	// parameters.
	CodeOther ErrorCode = "OTHER"

	// CodePaymentFailed is returned for terminal payment failures.
	CodePaymentFailed ErrorCode = "PAYMENT_FAILED"

	// CodeNotFound is returned on invoice or payment lookup misses.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTimeout is returned when the per-method deadline expired.
	CodeTimeout ErrorCode = "TIMEOUT"
)

var (
	// ErrConnNotFound is returned when no connection exists for a label.
	ErrConnNotFound = errors.New("connection not found")

	// ErrConnExists is returned when creating a connection with a label
	// that is already taken.
	ErrConnExists = errors.New("connection already exists")

	// ErrBudgetExceeded is returned when a reservation would push spent
	// past the budget.
	ErrBudgetExceeded = errors.New("payment exceeds budget")

	// ErrReceiveOnly is returned when a payment is attempted on a
	// receive-only connection.
	ErrReceiveOnly = errors.New("connection is receive-only")

	// ErrNotInvoice is returned when a pay or lookup target does not
	// decode to an invoice.
	ErrNotInvoice = errors.New("not an invoice or invalid invoice")
)

// Error is a NIP-47 protocol error. It carries the wire error code so the
// dispatcher can serialize it into the encrypted response content.
type Error struct {
	// Code is the NIP-47 error code.
	Code ErrorCode

	// Message is the human readable error message sent to the wallet.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newError constructs a wire error from a code and a format string.
func newError(code ErrorCode, format string, params ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, params...),
	}
}

// classifyError maps an arbitrary handler error to the NIP-47 taxonomy.
// Typed errors pass through, known sentinels get their dedicated code and
// anything else is INTERNAL.
func classifyError(err error) *Error {
	var nwcErr *Error
	switch {
	case errors.As(err, &nwcErr):
		return nwcErr

	case errors.Is(err, ErrBudgetExceeded):
		return newError(CodeQuotaExceeded, "%v", err)

	case errors.Is(err, ErrReceiveOnly):
		return newError(CodeRestricted, "%v", err)

	case errors.Is(err, ErrConnNotFound),
		errors.Is(err, nip47db.ErrConnNotFound):

		return newError(CodeUnauthorized, "%v", err)

	case errors.Is(err, ErrNotInvoice):
		return newError(CodeOther, "%v", err)

	default:
		return newError(CodeInternal, "%v", err)
	}
}
