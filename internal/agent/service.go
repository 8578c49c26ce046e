package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/movi/internal/pipeline"
)

var (
	approveWords = map[string]bool{
		"yes": true, "y": true, "proceed": true, "confirm": true, "ok": true,
		"okay": true, "yeah": true, "yep": true, "sure": true, "approve": true,
	}
	rejectWords = map[string]bool{
		"no": true, "n": true, "cancel": true, "stop": true, "nope": true,
		"abort": true, "reject": true, "don't": true,
	}
)

// ParseDecision reports whether message is a bare yes or no answer.
func ParseDecision(message string) Decision {
	m := strings.ToLower(strings.TrimSpace(message))
	m = strings.TrimRight(m, ".!? ")
	m = strings.TrimSuffix(m, ", please")
	m = strings.TrimSuffix(m, " please")
	switch {
	case approveWords[m]:
		return DecisionApprove
	case rejectWords[m]:
		return DecisionReject
	}
	return DecisionNone
}

// Service routes chat messages to the pipeline.
type Service struct {
	processor Processor
	logger    *slog.Logger
}

// NewServiceWithProcessor creates a new agent service with a custom processor.
func NewServiceWithProcessor(processor Processor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{processor: processor, logger: logger}
}

// Chat processes a user message. While a confirmation is pending a bare yes
// or no answers it; anything else starts a new turn.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*pipeline.Event, error] {
	if req.Image == "" {
		if d := ParseDecision(req.Message); d != DecisionNone {
			cp, err := s.processor.PendingConfirmation(ctx, req.SessionID)
			if err != nil {
				s.logger.Warn("failed to check pending confirmation", "session_id", req.SessionID, "error", err)
			} else if cp != nil {
				return s.processor.Resume(ctx, req.SessionID, d == DecisionApprove)
			}
		}
	}

	image, mime, err := decodeImage(req.Image, req.ImageMIME)
	if err != nil {
		return func(yield func(*pipeline.Event, error) bool) {
			yield(nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err))
		}
	}
	return s.processor.Submit(ctx, pipeline.SubmitRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
		UIContext: req.UIContext,
		Image:     image,
		ImageMIME: mime,
	})
}

// Confirm answers the pending confirmation.
func (s *Service) Confirm(ctx context.Context, sessionID string, approved bool) iter.Seq2[*pipeline.Event, error] {
	return s.processor.Resume(ctx, sessionID, approved)
}

// Session returns the read-only view of a session, or nil if unknown.
func (s *Service) Session(ctx context.Context, sessionID string) (*SessionView, error) {
	st, err := s.processor.Snapshot(ctx, sessionID)
	if err != nil || st == nil {
		return nil, err
	}
	view := &SessionView{
		SessionID: sessionID,
		Phase:     st.Phase,
		History:   st.History,
	}
	cp, err := s.processor.PendingConfirmation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		view.AwaitingConfirmation = true
		view.PendingTool = st.SelectedTool
		view.Impact = st.Impact
		view.ExpiresAt = cp.ExpiresAt.UnixMilli()
	}
	return view, nil
}

func decodeImage(data, mime string) ([]byte, string, error) {
	if data == "" {
		return nil, "", nil
	}
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data uri")
		}
		mime = strings.TrimSuffix(header, ";base64")
		data = payload
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("image is not valid base64: %w", err)
	}
	if mime == "" {
		mime = http.DetectContentType(raw)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("unsupported image type %q", mime)
	}
	return raw, mime, nil
}
