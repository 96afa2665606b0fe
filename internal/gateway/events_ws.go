package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawmesh/internal/shared"
)

const wsWriteTimeout = 5 * time.Second

// wsEvent is one frame on /ws/events.
type wsEvent struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// handleEventsWS streams bus events to the client. The optional topic query
// parameter narrows the stream by prefix ("session.", "registry.").
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		shared.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "unavailable", "message": "event stream is not configured",
		})
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("topic"))
	if prefix != "" && !strings.HasPrefix(prefix, "session.") && !strings.HasPrefix(prefix, "registry.") {
		shared.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_error", "message": "topic must start with session. or registry.",
		})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Gateway.CORS.AllowedOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The stream is server to client only; CloseRead handles control
	// frames and cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	traceID := shared.TraceID(r.Context())
	s.logger.Info("ws: client connected", "topic", prefix, "trace_id", traceID)
	defer s.logger.Info("ws: client disconnected", "trace_id", traceID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !strings.HasPrefix(ev.Topic, "session.") && !strings.HasPrefix(ev.Topic, "registry.") {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, wsEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
