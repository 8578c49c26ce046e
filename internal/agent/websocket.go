package agent

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/movi/internal/identity"
	"github.com/ashureev/movi/internal/pipeline"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is an inbound WebSocket frame.
type wsMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	UIContext string `json:"currentPage,omitempty"`
	Image     string `json:"image,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
}

// WebSocketHandler serves the chat over a WebSocket. Frames are processed
// one at a time; each turn's events are written as JSON frames.
type WebSocketHandler struct {
	agent          *Service
	rateLimiter    *RateLimiter
	log            ConversationLogger
	conns          *ConnectionManager
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. Origins are host
// patterns accepted for cross-origin upgrades.
func NewWebSocketHandler(h *Handler, conns *ConnectionManager, origins []string) *WebSocketHandler {
	return &WebSocketHandler{
		agent:          h.agent,
		rateLimiter:    h.rateLimiter,
		log:            h.log,
		conns:          conns,
		originPatterns: origins,
		logger:         h.logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)
	h.logger.Info("WebSocket connected", "session_id", sessionID, "active_connections", h.conns.Count())

	ctx := r.Context()
	if err := h.write(ctx, ws, map[string]string{"type": "ready", "session_id": sessionID}); err != nil {
		return
	}
	h.readLoop(ctx, ws, sessionID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	// page is the last context the client reported; message frames without
	// one inherit it.
	var page string
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := h.write(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "init", "context":
			if msg.UIContext != "" {
				page = msg.UIContext
			}
			if err := h.write(ctx, ws, map[string]string{"type": "context", "currentPage": page}); err != nil {
				return
			}
		case "message", "confirm":
			if msg.UIContext == "" {
				msg.UIContext = page
			}
			if !h.rateLimiter.Allow(sessionID) {
				if err := h.write(ctx, ws, map[string]string{"type": "error", "error": "rate limit exceeded"}); err != nil {
					return
				}
				continue
			}
			if !h.turn(ctx, ws, sessionID, msg) {
				return
			}
		default:
			if err := h.write(ctx, ws, map[string]string{"type": "error", "error": "unknown frame type"}); err != nil {
				return
			}
		}
	}
}

// turn runs one chat or confirmation and relays its events. It returns
// false when the socket is no longer writable.
func (h *WebSocketHandler) turn(ctx context.Context, ws *websocket.Conn, sessionID string, msg wsMessage) bool {
	var events iter.Seq2[*pipeline.Event, error]
	if msg.Type == "confirm" {
		events = h.agent.Confirm(ctx, sessionID, msg.Approved)
	} else {
		h.log.Log(ConversationLogEvent{
			SessionID:  sessionID,
			Channel:    "chat_ws",
			Direction:  "outbound",
			EventType:  "chat_user_message",
			ContentRaw: msg.Message,
			Meta:       map[string]any{"ui_context": msg.UIContext, "has_image": msg.Image != ""},
		})
		events = h.agent.Chat(ctx, ChatRequest{
			SessionID: sessionID,
			Message:   msg.Message,
			UIContext: msg.UIContext,
			Image:     msg.Image,
			ImageMIME: msg.ImageMIME,
		})
	}

	for ev, err := range events {
		if err != nil {
			_, text := statusFor(err)
			return h.write(ctx, ws, map[string]string{"type": "error", "error": text}) == nil
		}
		if err := h.write(ctx, ws, ev); err != nil {
			return false
		}
		if ev.Content != "" && ev.Type != pipeline.EventToken {
			h.log.Log(ConversationLogEvent{
				SessionID:  sessionID,
				Channel:    "chat_ws",
				Direction:  "inbound",
				EventType:  "chat_assistant_message",
				ContentRaw: ev.Content,
				Meta:       map[string]any{"event_type": ev.Type},
			})
		}
	}
	return true
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
