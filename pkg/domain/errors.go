package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the core. Every failure that reaches the API is
// classified as one of these kinds with errors.Is.
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrWalletCreationFailed = errors.New("wallet creation failed")
	ErrNoRoutesAvailable    = errors.New("no routes available")
	ErrSigningFailed        = errors.New("signing failed")
	ErrCacheUnavailable     = errors.New("cache unavailable")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrPolicyDenied         = errors.New("policy denied")
	ErrRateLimited          = errors.New("rate limit exceeded")
)

// Errors raised by external capabilities before translation at the calling
// component's boundary.
var (
	ErrInvalidIdentityToken = errors.New("invalid identity token")
	ErrSigningRejected      = errors.New("signing rejected")
)

// Refinements of the taxonomy kinds. They still match their parent with errors.Is.
var (
	ErrQuoteExpired  = fmt.Errorf("%w: quote expired", ErrInvalidRequest)
	ErrQuoteUnknown  = fmt.Errorf("%w: quote was not issued to this user", ErrInvalidRequest)
	ErrQuoteAltered  = fmt.Errorf("%w: quote does not match the issued quote", ErrInvalidRequest)
	ErrQuoteUsed     = fmt.Errorf("%w: quote already executed", ErrInvalidRequest)
	ErrNotExecutable = fmt.Errorf("%w: route cannot be executed through the router", ErrInvalidRequest)
	ErrTokenExpired  = fmt.Errorf("%w: session expired", ErrAuthenticationFailed)
	ErrTokenNotFound = fmt.Errorf("%w: unknown session token", ErrAuthenticationFailed)
)

// Machine-stable error codes returned to API clients.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeAuthenticationFailed = "AUTHN_FAILED"
	CodeWalletNotFound       = "WALLET_NOT_FOUND"
	CodeWalletCreationFailed = "WALLET_CREATION_FAILED"
	CodeNoRoutesAvailable    = "NO_ROUTES_AVAILABLE"
	CodeSigningFailed        = "SIGNING_FAILED"
	CodeCacheUnavailable     = "CACHE_UNAVAILABLE"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodePolicyDenied         = "POLICY_DENIED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrAuthenticationFailed, CodeAuthenticationFailed},
	{ErrInvalidIdentityToken, CodeAuthenticationFailed},
	{ErrWalletNotFound, CodeWalletNotFound},
	{ErrWalletCreationFailed, CodeWalletCreationFailed},
	{ErrNoRoutesAvailable, CodeNoRoutesAvailable},
	{ErrSigningFailed, CodeSigningFailed},
	{ErrCacheUnavailable, CodeCacheUnavailable},
	{ErrProviderUnavailable, CodeProviderUnavailable},
	{ErrPolicyDenied, CodePolicyDenied},
	{ErrRateLimited, CodeRateLimited},
}

// DomainError wraps errors with additional context.
//
// Err is the taxonomy kind, Cause is the underlying failure kept for logs.
// Message is safe to return to clients.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

// NewError builds a DomainError of the given kind.
func NewError(kind error, message string) *DomainError {
	return &DomainError{Err: kind, Code: CodeOf(kind), Message: message}
}

// Wrap builds a DomainError of the given kind that retains cause for diagnostics.
func Wrap(kind error, cause error, message string) *DomainError {
	return &DomainError{Err: kind, Code: CodeOf(kind), Message: message, Cause: cause}
}

// WithDetail attaches a detail entry and returns the receiver.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *DomainError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *DomainError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// CodeOf returns the stable error code for err, or CodeInternal when err does
// not belong to the taxonomy.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return CodeInternal
}

// PublicMessage returns a message that is safe to echo to clients.
func PublicMessage(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.kind.Error()
		}
	}
	return "internal error"
}

// ErrorResponse defines the standard JSON error model returned by the API.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., AUTHN_FAILED, NO_ROUTES_AVAILABLE)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
