package broadcast

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/psantana5/reqcorr/pkg/models"
)

const writeTimeout = 5 * time.Second

// WebSocketHandler streams hub messages to a websocket client.
// The optional "kind" query parameter (comma separated) filters by message kind.
type WebSocketHandler struct {
	hub            *Hub
	originPatterns []string
}

// NewWebSocketHandler serves hub over websockets. originPatterns are host
// patterns accepted for cross-origin clients; same-origin is always allowed.
func NewWebSocketHandler(hub *Hub, originPatterns ...string) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, originPatterns: originPatterns}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.hub.Subscribe(parseKinds(r.URL.Query().Get("kind"))...)
	defer h.hub.Unsubscribe(sub)

	h.hub.logger.Debug("WebSocket subscriber connected", map[string]interface{}{
		"subscriber":  sub.ID,
		"remote_addr": r.RemoteAddr,
	})

	// the client never sends anything; reading surfaces its close frame
	ctx = conn.CloseRead(ctx)

	if err := write(ctx, conn, map[string]string{"kind": "ready", "subscriber": sub.ID}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case msg, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			if err := write(ctx, conn, msg); err != nil {
				conn.Close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func parseKinds(raw string) []models.MessageKind {
	if raw == "" {
		return nil
	}
	var kinds []models.MessageKind
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, models.MessageKind(k))
		}
	}
	return kinds
}
