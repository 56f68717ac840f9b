package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	CodeGatewayNotConfigured Code = "GATEWAY_NOT_CONFIGURED"
	CodeProviderRejected     Code = "PROVIDER_REJECTED"
	CodeSignatureInvalid     Code = "SIGNATURE_INVALID"
	CodeNotImplemented       Code = "NOT_IMPLEMENTED"
)

// Metadata is how a code surfaces over HTTP. Retryable tells POS clients
// whether the same request, with the same Idempotency-Key, may be resent.
// ExposeMessage lets the error's own message replace PublicMessage; it is
// off for codes whose message may carry provider or database internals.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	ExposeMessage  bool
}

type flag uint8

const (
	retryable flag = 1 << iota
	details
	expose
)

func meta(status int, public string, flags flag) Metadata {
	return Metadata{
		HTTPStatus:     status,
		PublicMessage:  public,
		Retryable:      flags&retryable != 0,
		DetailsAllowed: flags&details != 0,
		ExposeMessage:  flags&expose != 0,
	}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    meta(http.StatusBadRequest, "validation failed", details|expose),
	CodeUnauthorized:  meta(http.StatusUnauthorized, "authentication required", expose),
	CodeForbidden:     meta(http.StatusForbidden, "access denied", expose),
	CodeNotFound:      meta(http.StatusNotFound, "resource not found", expose),
	CodeConflict:      meta(http.StatusConflict, "conflict detected", expose),
	CodeStateConflict: meta(http.StatusUnprocessableEntity, "state transition disallowed", details|expose),
	CodeIdempotency:   meta(http.StatusConflict, "idempotency key reused", details|expose),
	CodeRateLimit:     meta(http.StatusTooManyRequests, "rate limit exceeded", expose),
	CodeInternal:      meta(http.StatusInternalServerError, "internal server error", retryable),
	CodeDependency:    meta(http.StatusServiceUnavailable, "dependency unavailable", retryable|details),

	CodeGatewayNotConfigured: meta(http.StatusUnprocessableEntity, "payment gateway not configured for restaurant", details|expose),
	CodeProviderRejected:     meta(http.StatusPaymentRequired, "payment provider rejected the request", details),
	CodeSignatureInvalid:     meta(http.StatusUnauthorized, "invalid signature", 0),
	CodeNotImplemented:       meta(http.StatusNotImplemented, "operation not supported by gateway", details|expose),
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is the typed error every layer returns toward HTTP. Provider
// failures reach it through gateway.ToAPIError.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// ClientMessage is the message a restaurant client may see for e.
func (e *Error) ClientMessage() string {
	m := MetadataFor(e.Code())
	if m.ExposeMessage && e.Message() != "" {
		return e.message
	}
	return m.PublicMessage
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}
