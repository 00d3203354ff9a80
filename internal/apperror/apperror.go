// Package apperror defines the caller-facing error taxonomy shared by the
// order, payment and HTTP layers.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindConflict
	KindInsufficientStock
	KindInvalidPayment
	KindInvalidSignature
	KindGatewayUnavailable
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindValidation:         "validation",
	KindNotFound:           "not_found",
	KindUnauthorized:       "unauthorized",
	KindForbidden:          "forbidden",
	KindConflict:           "conflict",
	KindInsufficientStock:  "insufficient_stock",
	KindInvalidPayment:     "invalid_payment",
	KindInvalidSignature:   "invalid_signature",
	KindGatewayUnavailable: "gateway_unavailable",
	KindConfiguration:      "configuration",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error carries a stable kind and a message that is safe to show to callers.
// Err holds the underlying cause for logs and is never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) *Error { return New(KindValidation, msg) }

func NotFound(msg string) *Error { return New(KindNotFound, msg) }

func Unauthorized(msg string) *Error { return New(KindUnauthorized, msg) }

func Forbidden(msg string) *Error { return New(KindForbidden, msg) }

func Conflict(msg string) *Error { return New(KindConflict, msg) }

func InsufficientStock(productName string) *Error {
	return New(KindInsufficientStock, fmt.Sprintf("Insufficient stock for product: %s", productName))
}

func InvalidPayment(msg string) *Error { return New(KindInvalidPayment, msg) }

func InvalidSignature(msg string) *Error { return New(KindInvalidSignature, msg) }

func GatewayUnavailable(msg string, err error) *Error {
	return Wrap(KindGatewayUnavailable, msg, err)
}

func Configuration(msg string) *Error { return New(KindConfiguration, msg) }

func Internal(err error) *Error {
	return Wrap(KindInternal, "Internal server error", err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the message a client may see for err.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal && appErr.Kind != KindConfiguration {
		return appErr.Message
	}
	return "Internal server error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInsufficientStock, KindInvalidPayment, KindInvalidSignature:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
