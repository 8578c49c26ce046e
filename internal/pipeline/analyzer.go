package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/llm"
	"github.com/ashureev/movi/internal/registry"
)

// Normalizer canonicalizes classifier entities against domain vocabulary.
type Normalizer interface {
	Normalize(ctx context.Context, entities map[string]any) (map[string]any, []fleet.Unresolved, error)
}

// Clarification texts.
const (
	clarifyRephrase   = "I couldn't understand that request. Could you please rephrase it?"
	clarifyNoTools    = "There are no actions available on this page."
	clarifyNoPage     = "I don't recognize the page you're on, so I can't act from here. Please open the bus dashboard or route management page."
	clarifyNoMatch    = "I couldn't match that to an action available on this page. Could you rephrase what you'd like to do?"
	imageUnreadable   = "the attached image could not be analyzed"
	retryInitialDelay = 200 * time.Millisecond
)

// Analyzer is the intent and tool selection stage.
type Analyzer struct {
	client        llm.Client
	registry      *registry.Registry
	normalizer    Normalizer
	timeout       time.Duration
	historyWindow int
	retryDelay    time.Duration
	metrics       *Metrics
	logger        *slog.Logger
}

// Run classifies the message. It never fails: every problem becomes a
// clarification.
func (a *Analyzer) Run(ctx context.Context, st AgentState) Delta {
	var d Delta
	message := st.RawMessage

	if len(st.ImagePayload) > 0 {
		summary, err := retryCompletion(ctx, a, "describe_image", func(ctx context.Context) (string, error) {
			return a.client.DescribeImage(ctx, st.ImagePayload, st.ImageMIME)
		})
		if err != nil {
			a.logger.Warn("image analysis failed", "session_id", st.SessionID, "error", err)
			a.metrics.IncStageFailure("analyzer", "image")
			summary = imageUnreadable
		}
		d.ImageSummary = ptr(summary)
		message = strings.TrimSpace(message + "\n\n[Image Analysis: " + summary + "]")
	}
	d.DropImage = true
	d.AppendHistory = []domain.Message{{Role: domain.RoleUser, Content: message}}

	clarify := func(text string) Delta {
		d.NeedsClarification = ptr(true)
		d.Clarification = ptr(text)
		d.SelectedTool = ptr("")
		d.Entities = map[string]any{}
		return d
	}

	if !a.registry.KnownContext(st.UIContext) {
		a.logger.Info("message from unknown page", "session_id", st.SessionID, "ui_context", st.UIContext)
		return clarify(clarifyNoPage)
	}
	candidates := a.registry.ForContext(st.UIContext)
	if len(candidates) == 0 {
		return clarify(clarifyNoTools)
	}

	req := llm.ClassifyRequest{
		History:   Window(st.History, a.historyWindow),
		Message:   message,
		UIContext: st.UIContext,
		Tools:     llm.SpecsFor(candidates),
		HasImage:  d.ImageSummary != nil,
	}
	cls, err := retryCompletion(ctx, a, "classify", func(ctx context.Context) (*llm.Classification, error) {
		return a.client.Classify(ctx, req)
	})
	if err != nil {
		a.logger.Warn("classification failed", "session_id", st.SessionID, "error", err)
		a.metrics.IncStageFailure("analyzer", "classify")
		return clarify(clarifyRephrase)
	}
	d.Intent = ptr(cls.Intent)

	var desc *registry.Descriptor
	for _, c := range candidates {
		if c.Name == cls.Tool {
			desc = c
			break
		}
	}
	if desc == nil {
		a.logger.Info("classifier chose no available tool", "session_id", st.SessionID, "tool", cls.Tool, "ui_context", st.UIContext)
		return clarify(clarifyNoMatch)
	}

	entities, unresolved, err := a.normalizer.Normalize(ctx, cls.Entities)
	if err != nil {
		a.logger.Warn("entity normalization failed", "session_id", st.SessionID, "error", err)
		entities = cls.Entities
	}
	if len(unresolved) > 0 {
		parts := make([]string, 0, len(unresolved))
		for _, u := range unresolved {
			parts = append(parts, u.String())
		}
		return clarify(fmt.Sprintf("I'm not sure which record you mean: %s. Could you clarify?", strings.Join(parts, "; ")))
	}
	if missing := desc.MissingRequired(entities); len(missing) > 0 {
		return clarify(fmt.Sprintf("To %s I need the %s. Which one do you mean?",
			humanize(desc.Name), strings.Join(humanizeAll(missing), " and ")))
	}

	d.SelectedTool = ptr(desc.Name)
	d.Entities = entities
	d.NeedsClarification = ptr(false)
	return d
}

// retryCompletion runs call with a per-attempt deadline, retrying once with
// exponential backoff.
func retryCompletion[T any](ctx context.Context, a *Analyzer, op string, call func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryDelay
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return call(attemptCtx)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx), func(err error, delay time.Duration) {
		a.metrics.IncRetry(op)
		a.logger.Debug("completion call failed, retrying", "op", op, "delay", delay, "error", err)
	})
}

func humanize(name string) string {
	name = strings.TrimSuffix(name, "_display_name")
	name = strings.TrimSuffix(name, "_name")
	return strings.ReplaceAll(name, "_", " ")
}

func humanizeAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = humanize(n)
	}
	return out
}
