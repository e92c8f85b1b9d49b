package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/commandregistry"
	"github.com/ogent-io/ogent/controller/internal/router"
)

// CommandHandler groups the read-only command-inspection endpoints
// (GET /commands/{id}, GET /commands/{id}/stream).
type CommandHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(r *router.Router, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{router: r, logger: logger.Named("api.commands")}
}

func toCommandResponse(cmd *commandregistry.Command) commandResponse {
	return commandResponse{
		CommandID:       cmd.ID,
		AgentID:         cmd.AgentID,
		Status:          cmd.Status,
		CommandText:     cmd.CommandText,
		ProcessedText:   cmd.ProcessedText,
		ExecutionTarget: cmd.ExecutionTarget,
		FailureKind:     cmd.FailureKind,
		Result:          cmd.Result,
		AIResult:        cmd.AIResult,
		LateFrames:      cmd.LateFrames,
	}
}

// GetByID implements GET /commands/{id}.
func (h *CommandHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")

	cmd, err := h.router.Command(commandID)
	if err != nil {
		if errors.Is(err, router.ErrCommandNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("lookup command", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toCommandResponse(cmd))
}

// Stream implements GET /commands/{id}/stream: a Server-Sent-Events feed of
// command_progress/command_result events for commandID, backed by the
// Router's requester fan-out subscription. The connection stays open until
// the client disconnects or a terminal event is delivered.
func (h *CommandHandler) Stream(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")

	if _, err := h.router.Command(commandID); err != nil {
		if errors.Is(err, router.ErrCommandNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	events, cancel, err := h.router.Subscribe(commandID)
	if err != nil {
		h.logger.Error("subscribe to command stream", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, payload)
			flusher.Flush()
			if ev.Terminal {
				return
			}
		}
	}
}

// Health implements GET /health: unauthenticated liveness probe.
func Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]string{"status": "ok"})
}
