package authcore

import (
	"fmt"
	"strings"
)

// AuthenticationError reports an identity or credential problem. Code is
// machine readable; Status is an HTTP-style hint for transport layers.
type AuthenticationError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthenticationError) Error() string { return e.Message }

// Is matches any AuthenticationError with the same Code, so the
// predeclared instances below work as sentinels with errors.Is.
func (e *AuthenticationError) Is(target error) bool {
	t, ok := target.(*AuthenticationError)
	return ok && t.Code == e.Code
}

// AuthorizationError reports a role or permission problem.
type AuthorizationError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthorizationError) Error() string { return e.Message }

func (e *AuthorizationError) Is(target error) bool {
	t, ok := target.(*AuthorizationError)
	return ok && t.Code == e.Code
}

// FieldError is one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input as a list of field problems.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is matches a target ValidationError whose field problems are all
// present in e. A target with no fields matches any ValidationError.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	for _, want := range t.Fields {
		found := false
		for _, have := range e.Fields {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Status returns the HTTP-style hint for validation failures.
func (e *ValidationError) Status() int { return 400 }

func validationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// Predeclared failure instances. Compare with errors.Is; the login path
// deliberately reuses one message for unknown users and wrong passwords.
var (
	ErrInvalidCredentials = &AuthenticationError{
		Code: "invalid_credentials", Message: "invalid email or password", Status: 401,
	}
	ErrAccountLocked = &AuthenticationError{
		Code: "account_locked", Message: "account temporarily locked", Status: 423,
	}
	ErrSessionNotFound = &AuthenticationError{
		Code: "session_not_found", Message: "session not found or expired", Status: 401,
	}
	ErrTokenInvalid = &AuthenticationError{
		Code: "token_invalid", Message: "token invalid, expired, or revoked", Status: 401,
	}
	ErrTwoFactorRequired = &AuthenticationError{
		Code: "two_factor_required", Message: "two-factor verification required", Status: 401,
	}
	ErrTwoFactorFailed = &AuthenticationError{
		Code: "two_factor_failed", Message: "two-factor verification failed", Status: 401,
	}
	ErrTwoFactorRateLimited = &AuthenticationError{
		Code: "two_factor_rate_limited", Message: "too many verification attempts", Status: 429,
	}
	ErrResetTokenInvalid = &AuthenticationError{
		Code: "reset_token_invalid", Message: "reset token invalid or expired", Status: 401,
	}
	ErrServiceUnavailable = &AuthenticationError{
		Code: "service_unavailable", Message: "authentication backend unavailable", Status: 503,
	}

	ErrUnknownRole = &AuthorizationError{
		Code: "unknown_role", Message: "role is not defined", Status: 403,
	}
	ErrPermissionDenied = &AuthorizationError{
		Code: "permission_denied", Message: "permission denied", Status: 403,
	}

	ErrEmailTaken = &ValidationError{
		Fields: []FieldError{{Field: "email", Message: "email already registered"}},
	}
	ErrUsernameTaken = &ValidationError{
		Fields: []FieldError{{Field: "username", Message: "username already taken"}},
	}
)

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, op, err)
}
