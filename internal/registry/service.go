package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/shared"
)

const (
	// MaxBodyBytes caps registration request bodies.
	MaxBodyBytes = 1 << 20
	maxNameLen   = 128
)

// Service is the HTTP surface agents use to register themselves. It is
// served on its own listener and carries no authentication.
type Service struct {
	store  *Store
	logger *slog.Logger
}

func NewService(store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "registry-service")}
}

type registerRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type agentResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /agents", s.handleList)
	mux.HandleFunc("GET /agents/{name}", s.handleGet)
	mux.HandleFunc("DELETE /unregister/{name}", s.handleUnregister)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := shared.DecodeJSON(w, r, MaxBodyBytes, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if err := ValidateName(req.Name); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := ValidateURL(req.URL); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.TraceFromRequest(r))
	// A persistence failure is already logged by the store; the in-memory
	// registration stands.
	rec, _ := s.store.Register(ctx, req.Name, req.URL)
	shared.WriteJSON(w, http.StatusOK, agentResponse{Name: rec.Name, URL: rec.URL})
}

func (s *Service) handleList(w http.ResponseWriter, _ *http.Request) {
	agents := s.store.Snapshot()
	shared.WriteJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, agentResponse{Name: rec.Name, URL: rec.URL})
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := shared.WithTraceID(r.Context(), shared.TraceFromRequest(r))
	if err := s.store.Unregister(ctx, name); err != nil {
		s.fail(w, r, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Agent '%s' unregistered", name),
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"registered_agents": s.store.Count(),
	})
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debug("registry request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	shared.WriteError(w, err)
}

// ValidateName checks an agent name: non-empty, at most 128 characters,
// no slash and no whitespace.
func ValidateName(name string) error {
	if name == "" {
		return apperr.New(apperr.CodeValidation, "name is required")
	}
	if len(name) > maxNameLen {
		return apperr.Newf(apperr.CodeValidation, "name exceeds %d characters", maxNameLen)
	}
	if strings.ContainsRune(name, '/') || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return apperr.New(apperr.CodeValidation, "name must not contain '/' or whitespace")
	}
	return nil
}

// ValidateURL requires an absolute http or https URL with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return apperr.New(apperr.CodeValidation, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperr.New(apperr.CodeValidation, "url must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.New(apperr.CodeValidation, "url must be an absolute http(s) URL")
	}
	return nil
}
