package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/auth"
)

// AuthHandler serves the bootstrap authentication endpoint.
type AuthHandler struct {
	authService *auth.AuthService
	logger      *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(authService *auth.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, logger: logger.Named("api.auth")}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token implements POST /token: form-encoded username/password exchanged
// for a short-lived bearer access token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		ErrBadRequest(w, "invalid form body")
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	accessToken, expiresAt, err := h.authService.Login(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
	})
}
