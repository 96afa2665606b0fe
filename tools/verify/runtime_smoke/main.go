// Command runtime_smoke drives a running clawmesh gateway through one
// session lifecycle while watching the event stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type eventFrame struct {
	Topic   string          `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	base := flag.String("url", "http://127.0.0.1:8080", "gateway base URL")
	token := flag.String("token", "", "API key, when gateway auth is enabled")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	name := flag.String("name", "smoke-"+uuid.NewString()[:8], "session name")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{
		base:  strings.TrimRight(*base, "/"),
		token: strings.TrimSpace(*token),
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	var health map[string]any
	if code, err := c.do(ctx, http.MethodGet, "/healthz", nil, &health); err != nil || code != http.StatusOK {
		fatalf("healthz: code=%d err=%v", code, err)
	}
	fmt.Printf("CHECK healthz ok backend=%v\n", health["backend"])

	conn, _, err := websocket.Dial(ctx, wsURL(c.base)+"/ws/events?topic=session.", &websocket.DialOptions{
		HTTPHeader: c.headers(),
	})
	if err != nil {
		fatal("dial event stream", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")
	fmt.Println("CHECK event stream connected")

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	req := map[string]any{"name": *name, "prompt": "runtime smoke test"}
	if code, err := c.do(ctx, http.MethodPost, "/api/sessions", req, &created); err != nil || code != http.StatusCreated {
		fatalf("create session: code=%d err=%v", code, err)
	}
	if _, err := uuid.Parse(created.ID); err != nil {
		fatalf("create session returned invalid id %q", created.ID)
	}
	fmt.Printf("CHECK session created id=%s status=%s\n", created.ID, created.Status)

	if err := waitForTopic(ctx, conn, "session.created", created.ID); err != nil {
		fatal("session.created event", err)
	}
	fmt.Println("CHECK session.created event received")

	if code, err := c.do(ctx, http.MethodGet, "/api/sessions/"+created.ID, nil, nil); err != nil || code != http.StatusOK {
		fatalf("get session: code=%d err=%v", code, err)
	}
	var logs []string
	code, hdr, err := c.doHeader(ctx, http.MethodGet, "/api/sessions/"+created.ID+"/logs", nil, &logs)
	if err != nil || code != http.StatusOK {
		fatalf("session logs: code=%d err=%v", code, err)
	}
	fmt.Printf("CHECK logs ok lines=%d cached=%s\n", len(logs), hdr.Get("X-Logs-Cached"))

	if code, err := c.do(ctx, http.MethodDelete, "/api/sessions/"+created.ID, nil, nil); err != nil || code != http.StatusOK {
		fatalf("delete session: code=%d err=%v", code, err)
	}
	if err := waitForTopic(ctx, conn, "session.deleted", created.ID); err != nil {
		fatal("session.deleted event", err)
	}
	fmt.Println("CHECK session deleted")

	if code, _ := c.do(ctx, http.MethodGet, "/api/sessions/"+created.ID, nil, nil); code != http.StatusNotFound {
		fatalf("get after delete: code=%d, want 404", code)
	}

	fmt.Println("VERDICT PASS")
}

func (c *client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	code, _, err := c.doHeader(ctx, method, path, in, out)
	return code, err
}

func (c *client) doHeader(ctx context.Context, method, path string, in, out any) (int, http.Header, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header = c.headers()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode >= 300 {
		return resp.StatusCode, resp.Header, nil
	}
	return resp.StatusCode, resp.Header, json.NewDecoder(resp.Body).Decode(out)
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func waitForTopic(ctx context.Context, conn *websocket.Conn, topic, sessionID string) error {
	for {
		var frame eventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if frame.Topic != topic {
			continue
		}
		id, err := extractField(frame.Payload, "session_id")
		if err != nil {
			return fmt.Errorf("%s payload: %w", topic, err)
		}
		if id == sessionID {
			return nil
		}
	}
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
