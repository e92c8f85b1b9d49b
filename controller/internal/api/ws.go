package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/auth"
	"github.com/ogent-io/ogent/controller/internal/router"
	"github.com/ogent-io/ogent/controller/internal/transport"
)

// WSHandler serves the Agent-facing event protocol upgrade endpoint — a
// persistent, authenticated, bidirectional channel. Each
// successful upgrade becomes one transport.Session, handed to the Router
// for the lifetime of the connection.
type WSHandler struct {
	hub    *transport.Hub
	router *router.Router
	auth   *auth.AuthService
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *transport.Hub, r *router.Router, authService *auth.AuthService, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, router: r, auth: authService, logger: logger.Named("api.ws")}
}

// ServeWS handles the upgrade. The short-lived bearer credential is
// accepted either as an Authorization: Bearer header (the Agent is a
// Go client and can set headers on its dial) or as a ?token= query
// parameter, for parity with browser-based tooling that cannot.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerFromHeader(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		ErrUnauthorized(w)
		return
	}

	if _, err := h.auth.ValidateAccessToken(token); err != nil {
		ErrUnauthorized(w)
		return
	}

	sess, err := transport.NewSession(h.hub, w, r, h.router.HandleAgentEnvelope, h.router.OnSessionClose, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: agent session opened",
		zap.String("session_id", sess.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Run blocks until the connection tears down; the Session's readPump and
	// writePump handle hub registration/unregistration internally.
	sess.Run()

	h.logger.Info("ws: agent session closed", zap.String("session_id", sess.ID()))
}

func bearerFromHeader(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
