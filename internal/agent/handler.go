package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/movi/internal/config"
	"github.com/ashureev/movi/internal/identity"
	"github.com/ashureev/movi/internal/pipeline"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size.
const defaultMaxRequestBodySize = 8 << 20

// Handler handles assistant HTTP requests. Turn output is streamed as
// server-sent events, one event per pipeline event.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         *config.Config
	logger      *slog.Logger
}

// NewHandler creates a new agent handler.
func NewHandler(agentService *Service, conversationLogger ConversationLogger, cfg *config.Config, logger *slog.Logger) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	rateLimitRequests, rateLimitBurst := 30, 5
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerMinute
		rateLimitBurst = cfg.RateLimit.Burst
	}

	return &Handler{
		agent:       agentService,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitBurst),
		log:         conversationLogger,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers the assistant routes. The identity middleware
// must run first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/movi", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Post("/confirm", h.HandleConfirm)
		r.Get("/session", h.HandleSession)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.log.Close(); err != nil {
		h.logger.Warn("failed to close conversation logger", "error", err)
	}
}

// HandleChat handles POST /api/movi/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if !h.rateLimiter.Allow(sessionID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.Image == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	req.SessionID = sessionID

	reqID := chiMiddleware.GetReqID(r.Context())
	h.logger.Info("Agent chat request",
		"session_id", sessionID,
		"ui_context", req.UIContext,
		"message_length", len(req.Message),
		"has_image", req.Image != "",
	)
	h.log.Log(ConversationLogEvent{
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Meta: map[string]any{
			"request_id": reqID,
			"ui_context": req.UIContext,
			"has_image":  req.Image != "",
		},
	})

	h.stream(w, sessionID, "chat_http", reqID, h.agent.Chat(r.Context(), req))
}

// HandleConfirm handles POST /api/movi/confirm requests.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if !h.rateLimiter.Allow(sessionID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	h.log.Log(ConversationLogEvent{
		SessionID:  sessionID,
		Channel:    "confirm_http",
		Direction:  "outbound",
		EventType:  "confirmation_answer",
		ContentRaw: fmt.Sprintf("approved=%t", req.Approved),
		Meta:       map[string]any{"request_id": reqID},
	})

	h.stream(w, sessionID, "confirm_http", reqID, h.agent.Confirm(r.Context(), sessionID, req.Approved))
}

// HandleSession handles GET /api/movi/session requests.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	view, err := h.agent.Session(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.MaxRequestBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// stream relays pipeline events as SSE. Errors raised before the first
// event become plain JSON error responses with a matching status.
func (h *Handler) stream(w http.ResponseWriter, sessionID, channel, reqID string, events iter.Seq2[*pipeline.Event, error]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	chunks := 0
	var reply strings.Builder
	for ev, err := range events {
		if err != nil {
			status, msg := statusFor(err)
			if status >= http.StatusInternalServerError {
				h.logger.Error("Agent stream failed", "session_id", sessionID, "error", err)
			}
			if !started {
				writeError(w, status, msg)
				return
			}
			if writeErr := writeSSE(w, "error", mustJSON(map[string]string{"error": msg})); writeErr != nil {
				h.logger.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}

		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}

		if err := writeSSE(w, string(ev.Type), mustJSON(ev)); err != nil {
			h.logger.Warn("failed to write SSE event", "session_id", sessionID, "error", err)
			h.logAssistant(sessionID, channel, reqID, reply.String(), chunks, true, nil)
			return
		}
		flusher.Flush()

		switch ev.Type {
		case pipeline.EventToken:
			chunks++
			reply.WriteString(ev.Content)
		case pipeline.EventConfirmation:
			h.logAssistant(sessionID, channel, reqID, ev.Content, chunks, false, map[string]any{
				"awaiting_confirmation": true,
				"tool":                  ev.Payload.ToolName,
			})
		case pipeline.EventDone:
			meta := map[string]any{}
			if ev.Result != nil {
				meta["success"] = ev.Result.Success
				meta["result_error"] = ev.Result.Error
			}
			h.logAssistant(sessionID, channel, reqID, ev.Content, chunks, false, meta)
		}
	}
}

func (h *Handler) logAssistant(sessionID, channel, reqID, content string, chunks int, partial bool, extra map[string]any) {
	meta := map[string]any{
		"stream_chunks": chunks,
		"partial":       partial,
		"request_id":    reqID,
	}
	for k, v := range extra {
		meta[k] = v
	}
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Meta:       meta,
	})
}

// statusFor maps pipeline errors to an HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest, err.Error()
	case errdefs.IsConflict(err):
		return http.StatusConflict, "another request for this session is in progress"
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, "no confirmation is pending for this session"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to serialize response"}`
	}
	return string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
