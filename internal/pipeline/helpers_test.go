package pipeline

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/llm"
	"github.com/ashureev/movi/internal/registry"
	"github.com/ashureev/movi/internal/session"
	"github.com/ashureev/movi/internal/store"
)

var errUnreachable = errors.New("completion service unreachable")

// scriptedLLM answers with canned classifications and reply tokens.
type scriptedLLM struct {
	mu             sync.Mutex
	classification *llm.Classification
	classifyErr    error
	tokens         []string
	synthErr       error
	confirm        string
	confirmErr     error
	// stallSynthesis holds the reply stream open until its context ends.
	stallSynthesis bool

	// entered receives once per Classify call; gate, when set, blocks
	// Classify until closed.
	entered chan struct{}
	gate    chan struct{}

	classifyCalls int
	synthReqs     []llm.SynthesisRequest
}

func (s *scriptedLLM) classifyAs(tool string, entities map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classification = &llm.Classification{Intent: tool, Tool: tool, Entities: entities}
}

func (s *scriptedLLM) Classify(ctx context.Context, _ llm.ClassifyRequest) (*llm.Classification, error) {
	s.mu.Lock()
	s.classifyCalls++
	cls, err, entered, gate := s.classification, s.classifyErr, s.entered, s.gate
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if cls == nil {
		return &llm.Classification{Entities: map[string]any{}}, nil
	}
	out := *cls
	out.Entities = maps.Clone(cls.Entities)
	return &out, nil
}

func (s *scriptedLLM) DescribeImage(context.Context, []byte, string) (string, error) {
	return "a bus with plate KA-01-AB-1234", nil
}

func (s *scriptedLLM) Synthesize(ctx context.Context, req llm.SynthesisRequest) iter.Seq2[string, error] {
	s.mu.Lock()
	s.synthReqs = append(s.synthReqs, req)
	tokens, err, stall := s.tokens, s.synthErr, s.stallSynthesis
	s.mu.Unlock()

	return func(yield func(string, error) bool) {
		if stall {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		for _, tok := range tokens {
			if !yield(tok, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

func (s *scriptedLLM) Confirm(context.Context, *domain.ImpactAssessment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm, s.confirmErr
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classifyCalls
}

func (s *scriptedLLM) lastSynthesis() llm.SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthReqs[len(s.synthReqs)-1]
}

type harness struct {
	t        *testing.T
	store    *store.SQLiteStore
	registry *registry.Registry
	llm      *scriptedLLM
	cfg      Config
	engine   *Engine
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "movi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Seed(context.Background()))

	reg, err := fleet.NewRegistry(st, nil)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		store:    st,
		registry: reg,
		llm:      &scriptedLLM{},
		cfg:      Config{CompletionTimeout: 5 * time.Second, ConfirmationTTL: 15 * time.Minute, RetryDelay: time.Millisecond},
	}
	h.engine = h.newEngine(st)
	return h
}

// newEngine builds an engine with its own session manager over the shared
// store, as a separate process would.
func (h *harness) newEngine(checkpoints CheckpointStore) *Engine {
	h.t.Helper()
	return h.newEngineWith(h.store, checkpoints)
}

func (h *harness) newEngineWith(sessions session.Store, checkpoints CheckpointStore) *Engine {
	h.t.Helper()
	eng, err := NewEngine(Deps{
		Client:      h.llm,
		Registry:    h.registry,
		Resolver:    fleet.NewResolver(h.store),
		Normalizer:  fleet.NewNormalizer(h.store),
		Sessions:    session.NewManager(sessions, session.Config{LeaseTTL: time.Minute}, discardLogger()),
		Checkpoints: checkpoints,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
		Logger:      discardLogger(),
	}, h.cfg)
	require.NoError(h.t, err)
	return eng
}

func collect(seq iter.Seq2[*Event, error]) ([]*Event, error) {
	var events []*Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (h *harness) submit(sessionID, uiContext, message string) []*Event {
	h.t.Helper()
	events, err := collect(h.engine.Submit(context.Background(), SubmitRequest{
		SessionID: sessionID, Message: message, UIContext: uiContext,
	}))
	require.NoError(h.t, err)
	require.NotEmpty(h.t, events)
	return events
}

func (h *harness) resume(sessionID string, approved bool) []*Event {
	h.t.Helper()
	events, err := collect(h.engine.Resume(context.Background(), sessionID, approved))
	require.NoError(h.t, err)
	require.NotEmpty(h.t, events)
	return events
}

func (h *harness) vehicleOn(trip string) *int64 {
	h.t.Helper()
	ctx := context.Background()
	tr, err := h.store.GetTripByName(ctx, trip)
	require.NoError(h.t, err)
	dep, err := h.store.GetDeploymentForTrip(ctx, tr.ID)
	require.NoError(h.t, err)
	if dep == nil {
		return nil
	}
	return dep.VehicleID
}

func last(events []*Event) *Event {
	return events[len(events)-1]
}

func tokensOf(events []*Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventToken {
			out = append(out, ev.Content)
		}
	}
	return out
}
