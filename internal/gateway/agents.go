package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/router"
	"github.com/basket/clawmesh/internal/shared"
)

type agentTaskRequest struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleAgentTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req agentTaskRequest
	if err := decodeValidated(w, r, s.maxBody, agentTaskSchema, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Payload) == 0 || bytes.Equal(bytes.TrimSpace(req.Payload), []byte("null")) {
		s.fail(w, r, apperr.New(apperr.CodeValidation, "payload is required"))
		return
	}

	ctx := r.Context()
	if req.SessionID != "" {
		ctx = shared.WithSessionID(ctx, req.SessionID)
	}
	res, err := s.cfg.Agents.Dispatch(ctx, name, router.Task{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Payload:   req.Payload,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolveAgent(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Agents.Resolve(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, res)
}
