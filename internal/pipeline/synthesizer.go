package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/llm"
)

const interruptedSuffix = "\n\n(Reply interrupted.) "

// Synthesizer streams the natural-language reply for a finished turn.
type Synthesizer struct {
	client        llm.Client
	timeout       time.Duration
	historyWindow int
	metrics       *Metrics
	logger        *slog.Logger
}

// Run streams reply tokens to emit and returns the full reply. When emit
// returns false the completion request is cancelled and the partial reply is
// returned with ok=false. Collaborator failures never surface: the reply
// falls back to text derived from the state.
func (s *Synthesizer) Run(ctx context.Context, st AgentState, emit func(string) bool) (reply string, ok bool) {
	if st.Result != nil && st.Result.Error == domain.ErrCodeConfirmationUnavailable {
		fb := Fallback(st)
		return fb, emit(fb)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := llm.SynthesisRequest{
		History:       Window(st.History, s.historyWindow),
		Message:       st.RawMessage,
		UIContext:     st.UIContext,
		Intent:        st.Intent,
		Tool:          st.SelectedTool,
		Result:        st.Result,
		Impact:        st.Impact,
		Clarification: st.Clarification,
	}

	var b strings.Builder
	var streamErr error
	for tok, err := range s.client.Synthesize(callCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		b.WriteString(tok)
		if !emit(tok) {
			return b.String(), false
		}
	}
	if ctx.Err() != nil {
		return b.String(), false
	}

	if streamErr == nil && b.Len() > 0 {
		return b.String(), true
	}

	s.metrics.IncStageFailure("synthesizer", "fallback")
	s.logger.Warn("reply synthesis failed, using fallback",
		"session_id", st.SessionID, "partial_bytes", b.Len(), "error", streamErr)

	fb := Fallback(st)
	if b.Len() > 0 {
		fb = interruptedSuffix + fb
	}
	b.WriteString(fb)
	return b.String(), emit(fb)
}
