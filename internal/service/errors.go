package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"credguard/internal/strength"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrWeakPassword       = errors.New("password too weak")
	ErrDuplicateIdentity  = errors.New("identity already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many attempts")
	ErrCsrfTokenInvalid   = errors.New("csrf token invalid")
	ErrIntegrity          = errors.New("stored credential is corrupt")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// Stable codes handed to clients.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeDuplicateIdentity  = "DUPLICATE_IDENTITY"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS"
	CodeCsrfTokenInvalid   = "CSRF_TOKEN_INVALID"
	CodeIntegrity          = "INTEGRITY_ERROR"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

// WeakPasswordError carries the score so the caller can show suggestions.
type WeakPasswordError struct {
	Result   strength.Result
	MinScore int
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("password too weak: score %d below %d", e.Result.Score, e.MinScore)
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

type TooManyAttemptsError struct {
	RetryAfter time.Duration
	Count      int
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many attempts: %d in window, retry after %s", e.Count, e.RetryAfter)
}

func (e *TooManyAttemptsError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// StoreError annotates a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func storeError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IntegrityError marks a stored hash that cannot be parsed.
type IntegrityError struct {
	CredentialID string
	Err          error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.CredentialID, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Code maps an error to its client-facing code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrWeakPassword):
		return CodeWeakPassword
	case errors.Is(err, ErrDuplicateIdentity):
		return CodeDuplicateIdentity
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrTooManyAttempts):
		return CodeTooManyAttempts
	case errors.Is(err, ErrCsrfTokenInvalid):
		return CodeCsrfTokenInvalid
	case errors.Is(err, ErrIntegrity):
		return CodeIntegrity
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeWeakPassword:
		return http.StatusUnprocessableEntity
	case CodeDuplicateIdentity:
		return http.StatusConflict
	case CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeTooManyAttempts:
		return http.StatusTooManyRequests
	case CodeCsrfTokenInvalid:
		return http.StatusForbidden
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the only text a client ever sees for err.
func PublicMessage(err error) string {
	switch Code(err) {
	case CodeValidation:
		return "The request is invalid"
	case CodeWeakPassword:
		return "The password is too easy to guess"
	case CodeDuplicateIdentity:
		return "That username or email is already registered"
	case CodeInvalidCredentials:
		return "Invalid username, email or password"
	case CodeTooManyAttempts:
		return "Too many failed attempts, try again later"
	case CodeCsrfTokenInvalid:
		return "The security token is missing or expired, refresh and retry"
	case CodeStoreUnavailable:
		return "The service is temporarily unavailable"
	default:
		return "An internal error occurred"
	}
}
