package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/session"
	"github.com/basket/clawmesh/internal/shared"
)

type createSessionRequest struct {
	Name   string            `json:"name"`
	Prompt string            `json:"prompt"`
	Extra  map[string]string `json:"extra"`
}

// logsCachedHeader reports whether /logs was served from the session's
// cached tail because the backend no longer had the job.
const logsCachedHeader = "X-Logs-Cached"

type deleteResponse struct {
	ID      string         `json:"id"`
	Status  session.Status `json:"status"`
	Message string         `json:"message"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeValidated(w, r, s.maxBody, createSessionSchema, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.cfg.Sessions.CreateSession(r.Context(), req.Name, req.Prompt, req.Extra)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+sess.ID)
	shared.WriteJSON(w, http.StatusCreated, sess.View())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Sessions.ListSessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]session.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	shared.WriteJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, cached, err := s.cfg.Sessions.GetLogs(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	w.Header().Set(logsCachedHeader, strconv.FormatBool(cached))
	shared.WriteJSON(w, http.StatusOK, lines)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Sessions.DeleteSession(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, deleteResponse{
		ID:      id,
		Status:  session.StatusDeleted,
		Message: fmt.Sprintf("Session %s deleted", id),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	count := 0
	if sessions, err := s.cfg.Sessions.ListSessions(r.Context()); err != nil {
		healthy = false
		s.logger.Warn("healthz: session store unreachable", "error", err, "code", apperr.CodeOf(err))
	} else {
		count = len(sessions)
	}
	agents := 0
	if s.cfg.Registry != nil {
		agents = s.cfg.Registry.Count()
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	shared.WriteJSON(w, status, map[string]any{
		"healthy":           healthy,
		"backend":           s.cfg.Sessions.BackendName(),
		"sessions":          count,
		"registered_agents": agents,
		"version":           s.cfg.Version,
	})
}
