package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
)

// Kind classifies every failure that crosses the adapter boundary.
type Kind string

const (
	KindNotConfigured       Kind = "not_configured"
	KindProviderRejected    Kind = "provider_rejected"
	KindProviderUnreachable Kind = "provider_unreachable"
	KindSignatureInvalid    Kind = "signature_invalid"
	KindUnknownTransaction  Kind = "unknown_transaction"
	KindInvalidTransition   Kind = "invalid_transition"
	KindNotImplemented      Kind = "not_implemented"
)

const maxBodyInError = 2048

type Error struct {
	Kind       Kind
	Provider   enums.GatewayType
	Op         string
	StatusCode int
	// Body is the provider error body, truncated.
	Body string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, provider enums.GatewayType, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

func NotConfigured(provider enums.GatewayType, restaurantID uuid.UUID) *Error {
	return newError(KindNotConfigured, provider, "credentials", fmt.Errorf("no enabled credential set for restaurant %s", restaurantID))
}

// MisconfiguredCredentials reports a credential set that exists but cannot
// be used, such as a sealed secret with no unsealing key.
func MisconfiguredCredentials(provider enums.GatewayType, err error) *Error {
	return newError(KindNotConfigured, provider, "credentials", err)
}

func Rejected(provider enums.GatewayType, op string, status int, body string) *Error {
	e := newError(KindProviderRejected, provider, op, nil)
	e.StatusCode = status
	e.Body = truncate(body)
	return e
}

func Unreachable(provider enums.GatewayType, op string, err error) *Error {
	return newError(KindProviderUnreachable, provider, op, err)
}

func NotImplemented(provider enums.GatewayType, op string) *Error {
	return newError(KindNotImplemented, provider, op, errors.New("operation not supported"))
}

func UnknownTransaction(provider enums.GatewayType, providerID string) *Error {
	return newError(KindUnknownTransaction, provider, "resolve", fmt.Errorf("no transaction for provider id %q", providerID))
}

func InvalidTransition(provider enums.GatewayType, from, to enums.TransactionStatus) *Error {
	return newError(KindInvalidTransition, provider, "reconcile", fmt.Errorf("%s -> %s", from, to))
}

func SignatureInvalid(provider enums.GatewayType) *Error {
	return newError(KindSignatureInvalid, provider, "verify", nil)
}

// FromHTTPStatus classifies a non-2xx provider answer. Timeouts and
// throttling are retryable, other 4xx are business rejections.
func FromHTTPStatus(provider enums.GatewayType, op string, status int, body string) *Error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		e := newError(KindProviderUnreachable, provider, op, fmt.Errorf("provider answered %d", status))
		e.StatusCode = status
		e.Body = truncate(body)
		return e
	default:
		return Rejected(provider, op, status, body)
	}
}

func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the call may be repeated with the same
// idempotency key.
func Retryable(err error) bool {
	return IsKind(err, KindProviderUnreachable)
}

var codeByKind = map[Kind]pkgerrors.Code{
	KindNotConfigured:       pkgerrors.CodeGatewayNotConfigured,
	KindProviderRejected:    pkgerrors.CodeProviderRejected,
	KindProviderUnreachable: pkgerrors.CodeDependency,
	KindSignatureInvalid:    pkgerrors.CodeSignatureInvalid,
	KindUnknownTransaction:  pkgerrors.CodeNotFound,
	KindInvalidTransition:   pkgerrors.CodeStateConflict,
	KindNotImplemented:      pkgerrors.CodeNotImplemented,
}

// ToAPIError maps gateway kinds onto the HTTP error taxonomy. Errors that
// already carry a code, or carry no kind, pass through unchanged.
func ToAPIError(err error) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return err
	}
	code, ok := codeByKind[gwErr.Kind]
	if !ok {
		code = pkgerrors.CodeInternal
	}
	apiErr := pkgerrors.Wrap(code, err, fmt.Sprintf("%s %s failed", gwErr.Provider, gwErr.Op))
	if gwErr.Kind == KindProviderRejected && gwErr.Body != "" {
		apiErr = apiErr.WithDetails(map[string]any{
			"provider":        gwErr.Provider,
			"provider_status": gwErr.StatusCode,
			"provider_body":   gwErr.Body,
		})
	}
	return apiErr
}

func truncate(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > maxBodyInError {
		return body[:maxBodyInError]
	}
	return body
}

// StatusCodeOf returns the provider HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode
	}
	return 0
}
