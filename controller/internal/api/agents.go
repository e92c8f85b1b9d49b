package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/agentregistry"
	"github.com/ogent-io/ogent/controller/internal/router"
	"github.com/ogent-io/ogent/shared/types"
)

// AgentHandler groups the agent-inspection and command-dispatch endpoints.
type AgentHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(r *router.Router, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{router: r, logger: logger.Named("api.agents")}
}

type agentResponse struct {
	AgentID     string     `json:"agent_id"`
	SessionID   string     `json:"session_id"`
	ConnectedAt string     `json:"connected_at"`
	Info        types.Info `json:"info"`
}

func toAgentResponse(a *agentregistry.Agent) agentResponse {
	return agentResponse{
		AgentID:     a.ID,
		SessionID:   a.SessionID(),
		ConnectedAt: a.ConnectedAt.Format(timeFormat),
		Info:        a.Info,
	}
}

// List implements GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents := h.router.Agents()
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentResponse(a))
	}
	Ok(w, out)
}

// GetByID implements GET /agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	agent, err := h.router.Agent(agentID)
	if err != nil {
		if errors.Is(err, router.ErrAgentNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("lookup agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toAgentResponse(agent))
}

type executeRequest struct {
	Command         string                `json:"command"`
	ExecutionTarget types.ExecutionTarget `json:"execution_target"`
	UseAI           bool                  `json:"use_ai"`
	System          string                `json:"system,omitempty"`
	Context         string                `json:"context,omitempty"`
}

type commandResponse struct {
	CommandID       string              `json:"command_id"`
	AgentID         string              `json:"agent_id"`
	Status          types.CommandStatus `json:"status"`
	CommandText     string              `json:"command_text"`
	ProcessedText   string              `json:"processed_text"`
	ExecutionTarget types.ExecutionTarget `json:"execution_target"`
	FailureKind     types.FailureKind   `json:"failure_kind,omitempty"`
	Result          *types.Result       `json:"result,omitempty"`
	AIResult        *types.AIResult     `json:"ai_result,omitempty"`
	LateFrames      int                 `json:"late_frames,omitempty"`
}

// Execute implements POST /agents/{id}/execute: dispatches a command to
// the agent identified by the path id, on behalf of the authenticated
// caller (the requester_id used for progress/result fan-out).
func (h *AgentHandler) Execute(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}
	if req.ExecutionTarget == "" {
		req.ExecutionTarget = types.TargetAuto
	}

	claims := claimsFromCtx(r.Context())
	requesterID := ""
	if claims != nil {
		requesterID = claims.Subject
	}

	cmd, err := h.router.Execute(r.Context(), agentID, requesterID, req.Command, req.ExecutionTarget, req.UseAI)
	if err != nil {
		h.logger.Error("execute command", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, toCommandResponse(cmd))
}

// Analyze implements POST /agents/{id}/analyze: runs the AI pre-processing
// stage over a command string with no dispatch.
func (h *AgentHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	result := h.router.Analyze(r.Context(), req.Command)
	Ok(w, result)
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
