package jwt

import (
	"errors"
	"fmt"
)

// JWT signing algorithm constants.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// Sentinel errors for JWT operations.
var (
	// ErrEmptyToken indicates that the token is empty.
	ErrEmptyToken = errors.New("token is empty")

	// ErrTokenMalformed indicates that the token is malformed.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates that the token is not yet valid.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrTokenTTLExceeded indicates that the token lifetime exceeds the
	// configured maximum.
	ErrTokenTTLExceeded = errors.New("token lifetime exceeds maximum TTL")

	// ErrTokenInvalidSignature indicates that the token signature is invalid.
	ErrTokenInvalidSignature = errors.New("token signature is invalid")

	// ErrTokenInvalidIssuer indicates that the token issuer is invalid.
	ErrTokenInvalidIssuer = errors.New("token issuer is invalid")

	// ErrTokenInvalidAudience indicates that the token audience is invalid.
	ErrTokenInvalidAudience = errors.New("token audience is invalid")

	// ErrUnsupportedAlgorithm indicates that the signing algorithm is not allowed.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")

	// ErrKeyNotFound indicates that no key matching the token key ID exists,
	// even after a key-set refresh.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyUnavailable indicates that the key set could not be fetched and
	// no cached key matches.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrJWKSFetchFailed indicates that fetching the JWKS document failed.
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")
)

// ValidationError represents a JWT validation error with details.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jwt validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("jwt validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || errors.Is(e.Cause, target)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

// KeyError represents a key-resolution error.
type KeyError struct {
	KeyID   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("jwt key error (kid=%s): %s: %v", e.KeyID, e.Message, e.Cause)
	}
	return fmt.Sprintf("jwt key error: %s: %v", e.Message, e.Cause)
}

// Unwrap returns the underlying error.
func (e *KeyError) Unwrap() error {
	return e.Cause
}

// NewKeyError creates a new KeyError.
func NewKeyError(keyID, message string, cause error) *KeyError {
	return &KeyError{
		KeyID:   keyID,
		Message: message,
		Cause:   cause,
	}
}

// IsExpiredError checks if an error indicates token expiration.
func IsExpiredError(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsSignatureError checks if an error indicates a signature problem.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrTokenInvalidSignature)
}
