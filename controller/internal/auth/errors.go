package auth

import "errors"

// Sentinel errors returned by the auth service. Callers should use
// errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when username/password do not match
	// the configured admin credential.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned when a bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
