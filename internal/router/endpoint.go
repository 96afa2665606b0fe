package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/shared"
)

const maxResponseBytes = 4 << 20

// Task is the unit of work sent to an agent.
type Task struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Result is an agent's answer.
type Result struct {
	Agent      string          `json:"agent"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// AgentEndpoint is anything that can run a task on behalf of a named agent.
type AgentEndpoint interface {
	Name() string
	Invoke(ctx context.Context, task Task) (Result, error)
}

// HTTPEndpoint invokes an agent by POSTing the task to <url>/tasks.
type HTTPEndpoint struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPEndpoint(name, baseURL string, timeout time.Duration) *HTTPEndpoint {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPEndpoint{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (e *HTTPEndpoint) Name() string { return e.name }

func (e *HTTPEndpoint) Invoke(ctx context.Context, task Task) (Result, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if len(task.Payload) == 0 {
		task.Payload = json.RawMessage("null")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeValidation, err, "task payload is not valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeBackendFailure, err, fmt.Sprintf("agent %q has an invalid url", e.name))
	}
	req.Header.Set("Content-Type", "application/json")
	if tid := shared.TraceID(ctx); tid != "-" {
		req.Header.Set(shared.TraceHeader, tid)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeBackendUnavailable, err, fmt.Sprintf("agent %q unreachable", e.name))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, apperr.Wrap(apperr.CodeBackendUnavailable, err, fmt.Sprintf("agent %q timed out", e.name))
		}
		return Result{}, apperr.Wrap(apperr.CodeBackendUnavailable, err, fmt.Sprintf("agent %q response read failed", e.name))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, apperr.Wrap(apperr.CodeBackendFailure,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256)),
			fmt.Sprintf("agent %q answered with status %d", e.name, resp.StatusCode))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		return Result{}, apperr.New(apperr.CodeBackendFailure, fmt.Sprintf("agent %q returned a non-JSON body", e.name))
	}
	return Result{Agent: e.name, StatusCode: resp.StatusCode, Body: json.RawMessage(raw)}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
