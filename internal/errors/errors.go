// Package errors defines the error taxonomy shared by the ledger client.
//
// Every fallible client operation returns either a value or one of the errors
// below (possibly wrapped). Callers classify with the Is* helpers or with
// errors.Is / errors.As, which this package re-exports so that callers need a
// single import.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Typed errors below wrap exactly one of these.
var (
	ErrValidation        = stderrors.New("validation failed")
	ErrAuth              = stderrors.New("authentication failed")
	ErrSessionExpired    = stderrors.New("session expired")
	ErrNetwork           = stderrors.New("network error")
	ErrServer            = stderrors.New("server error")
	ErrMalformedResponse = stderrors.New("malformed response")
	ErrSuperseded        = stderrors.New("response superseded by a newer request")
	ErrNotAuthenticated  = stderrors.New("not authenticated")
	ErrNotFound          = stderrors.New("not found")
)

// Re-exports of the standard library helpers.
var (
	New  = stderrors.New
	Is   = stderrors.Is
	As   = stderrors.As
	Join = stderrors.Join
)

// =============================================================================
// Validation
// =============================================================================

// ValidationError is a client-side form or argument check failure. It is
// resolved locally and never reaches the network layer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RequiredError reports a missing required field.
func RequiredError(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// =============================================================================
// Auth
// =============================================================================

// AuthError reports rejected credentials. It is distinct from
// ErrSessionExpired, which is a 401 during an already authenticated call.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return ErrAuth.Error()
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// NewAuthError creates an AuthError with a user-facing message.
func NewAuthError(message string) error {
	return &AuthError{Message: message}
}

// =============================================================================
// Transport
// =============================================================================

// NetworkError reports a request that never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, ErrNetwork)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrNetwork, e.Err)
}

// Unwrap exposes both the sentinel and the transport cause so that
// errors.Is(err, context.DeadlineExceeded) keeps working.
func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetwork}
	}
	return []error{ErrNetwork, e.Err}
}

// APIError is a non-2xx response from the ledger service.
type APIError struct {
	Status  int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Path, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return ErrServer }

// MalformedResponseError reports a 2xx payload that does not match the
// endpoint's schema.
type MalformedResponseError struct {
	Endpoint string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Endpoint, ErrMalformedResponse, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return ErrMalformedResponse }

// Malformed creates a MalformedResponseError.
func Malformed(endpoint, reason string) error {
	return &MalformedResponseError{Endpoint: endpoint, Reason: reason}
}

// =============================================================================
// Helpers
// =============================================================================

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool { return stderrors.Is(err, ErrValidation) }

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool { return stderrors.Is(err, ErrAuth) }

// IsSessionExpired reports whether err was caused by a post-hoc 401.
func IsSessionExpired(err error) bool { return stderrors.Is(err, ErrSessionExpired) }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return stderrors.Is(err, ErrNetwork) }

// IsServer reports whether err is a non-2xx server response.
func IsServer(err error) bool { return stderrors.Is(err, ErrServer) }

// IsSuperseded reports whether a response was discarded as stale.
func IsSuperseded(err error) bool { return stderrors.Is(err, ErrSuperseded) }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// GenericMessage is the fallback phrase for a status without a usable body.
func GenericMessage(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "Unauthorized"
	case status == http.StatusNotFound:
		return "Not found"
	case status == http.StatusConflict:
		return "Conflict"
	case status == http.StatusTooManyRequests:
		return "Too many requests, try again later"
	case status >= 500:
		return "The ledger service is unavailable"
	case status >= 400:
		return "Request rejected by the ledger service"
	default:
		return "Unexpected response from server"
	}
}

// UserMessage renders any error as the message shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		validationErr *ValidationError
		authErr       *AuthError
		apiErr        *APIError
	)
	switch {
	case stderrors.As(err, &validationErr):
		return validationErr.Error()
	case stderrors.As(err, &authErr):
		return authErr.Error()
	case stderrors.Is(err, ErrSessionExpired):
		return "Your session has expired, please log in again"
	case stderrors.Is(err, ErrNotAuthenticated):
		return "Please log in first"
	case stderrors.As(err, &apiErr):
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return GenericMessage(apiErr.Status)
	case stderrors.Is(err, ErrNetwork):
		return "Could not reach the ledger service"
	case stderrors.Is(err, ErrMalformedResponse):
		return "Unexpected response from server"
	default:
		return err.Error()
	}
}
