package auth

import (
	"context"
	"time"
)

// AuthService is the entry point for the Controller's bootstrap authentication
// flow (POST /token): a single static admin credential exchanged
// for an RS256 bearer token. The REST API layer never touches the
// Authenticator directly; its bearer middleware gets the JWTManager through
// AuthService.JWTManager.
type AuthService struct {
	authenticator *Authenticator
	jwtManager    *JWTManager
}

// NewAuthService creates an AuthService wrapping the admin credential checker
// and JWT issuer/verifier.
func NewAuthService(authenticator *Authenticator, jwtManager *JWTManager) *AuthService {
	return &AuthService{
		authenticator: authenticator,
		jwtManager:    jwtManager,
	}
}

// Login verifies username/password against the configured admin credential
// and, on success, mints a signed access token with Subject set to username.
func (s *AuthService) Login(ctx context.Context, username, password string) (accessToken string, expiresAt time.Time, err error) {
	if !s.authenticator.Verify(username, password) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.jwtManager.GenerateAccessToken(username)
}

// ValidateAccessToken parses and verifies a JWT access token.
// Used by the Agent websocket upgrade handler to authenticate the Agent.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying JWTManager for cases where the caller
// needs direct access, e.g. to serve a JWKS endpoint.
func (s *AuthService) JWTManager() *JWTManager {
	return s.jwtManager
}
