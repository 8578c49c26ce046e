package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/llm"
	"github.com/ashureev/movi/internal/registry"
	"github.com/ashureev/movi/internal/session"
)

// Errors surfaced to the transport. Everything else is translated into a
// reply or an interrupt.
var (
	ErrInvalidRequest        = fmt.Errorf("invalid request: %w", errdefs.ErrInvalidArgument)
	ErrNoPendingConfirmation = fmt.Errorf("no pending confirmation: %w", errdefs.ErrNotFound)
	ErrSessionBusy           = session.ErrSessionBusy

	// errStateUnreadable marks a failure to read the persisted session. A
	// turn that hits it must not overwrite the snapshot.
	errStateUnreadable = errors.New("session state unreadable")
)

// EventType discriminates streamed events.
type EventType string

const (
	EventToken        EventType = "token"
	EventConfirmation EventType = "confirmation"
	EventDone         EventType = "done"
)

// InterruptPayload asks the caller for a yes/no decision.
type InterruptPayload struct {
	Message               string                   `json:"message"`
	StructuredConsequence *domain.ImpactAssessment `json:"structured_consequence"`
	ToolName              string                   `json:"tool_name"`
}

// Event is one item of a turn's output stream. A turn ends with either a
// confirmation event or a done event.
type Event struct {
	Type    EventType               `json:"type"`
	Content string                  `json:"content,omitempty"`
	Payload *InterruptPayload       `json:"payload,omitempty"`
	Result  *domain.ExecutionResult `json:"result,omitempty"`
}

// SubmitRequest is one inbound user message.
type SubmitRequest struct {
	SessionID string
	Message   string
	UIContext string
	Image     []byte
	ImageMIME string
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Message) == "" && len(r.Image) == 0 {
		return fmt.Errorf("%w: message or image required", ErrInvalidRequest)
	}
	return nil
}

// CheckpointStore persists suspended runs.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, cp *domain.Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error)
	TakeCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionID string) error
}

// Config tunes the engine.
type Config struct {
	CompletionTimeout time.Duration
	ConfirmationTTL   time.Duration
	HistoryWindow     int
	// RetryDelay is the initial backoff before retrying a completion call.
	RetryDelay time.Duration
}

// Deps are the engine's collaborators. Metrics and Logger are optional.
type Deps struct {
	Client      llm.Client
	Registry    *registry.Registry
	Resolver    ConsequenceResolver
	Normalizer  Normalizer
	Sessions    *session.Manager
	Checkpoints CheckpointStore
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Engine drives turns through the stages and implements suspend/resume.
type Engine struct {
	client      llm.Client
	sessions    *session.Manager
	checkpoints CheckpointStore
	analyzer    *Analyzer
	gate        *SafetyGate
	executor    *Executor
	synth       *Synthesizer
	cfg         Config
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine wires the stages.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("pipeline: completion client required")
	case deps.Registry == nil:
		return nil, errors.New("pipeline: tool registry required")
	case deps.Resolver == nil:
		return nil, errors.New("pipeline: consequence resolver required")
	case deps.Normalizer == nil:
		return nil, errors.New("pipeline: entity normalizer required")
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: session manager required")
	case deps.Checkpoints == nil:
		return nil, errors.New("pipeline: checkpoint store required")
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 30 * time.Second
	}
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 15 * time.Minute
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = retryInitialDelay
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	return &Engine{
		client:      deps.Client,
		sessions:    deps.Sessions,
		checkpoints: deps.Checkpoints,
		analyzer: &Analyzer{
			client:        deps.Client,
			registry:      deps.Registry,
			normalizer:    deps.Normalizer,
			timeout:       cfg.CompletionTimeout,
			historyWindow: cfg.HistoryWindow,
			retryDelay:    cfg.RetryDelay,
			metrics:       deps.Metrics,
			logger:        logger,
		},
		gate:     &SafetyGate{registry: deps.Registry, resolver: deps.Resolver, metrics: deps.Metrics, logger: logger},
		executor: &Executor{registry: deps.Registry, metrics: deps.Metrics, logger: logger},
		synth: &Synthesizer{
			client:        deps.Client,
			timeout:       cfg.CompletionTimeout,
			historyWindow: cfg.HistoryWindow,
			metrics:       deps.Metrics,
			logger:        logger,
		},
		cfg:     cfg,
		metrics: deps.Metrics,
		tracer:  otel.Tracer("github.com/ashureev/movi/internal/pipeline"),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// run is one lease-holding execution of the stages.
type run struct {
	e     *Engine
	ctx   context.Context
	yield func(*Event, error) bool
	open  bool
}

func (r *run) emit(ev *Event) bool {
	if !r.open {
		return false
	}
	if !r.yield(ev, nil) {
		r.open = false
	}
	return r.open
}

// begin acquires the session lease and starts the turn span.
func (e *Engine) begin(ctx context.Context, op, sessionID string, yield func(*Event, error) bool) (*run, func(), bool) {
	ctx, span := e.tracer.Start(ctx, "pipeline."+op, trace.WithAttributes(attribute.String("session_id", sessionID)))
	lease, err := e.sessions.Acquire(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease")
		span.End()
		yield(nil, err)
		return nil, nil, false
	}
	e.metrics.RunStarted()
	done := func() {
		lease.Release(ctx)
		e.metrics.RunFinished()
		span.End()
	}
	return &run{e: e, ctx: ctx, yield: yield, open: true}, done, true
}

// Submit runs a fresh turn. The stream yields reply tokens then a done
// event, or a single confirmation event when the turn suspends. Lease
// contention and invalid input are yielded as errors.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if err := req.validate(); err != nil {
			yield(nil, err)
			return
		}
		r, done, ok := e.begin(ctx, "submit", req.SessionID, yield)
		if !ok {
			return
		}
		defer done()

		st, err := e.freshState(r.ctx, req)
		if err != nil {
			e.logger.Error("failed to load session state", "session_id", req.SessionID, "error", err)
			r.fail(st, !errors.Is(err, errStateUnreadable))
			return
		}
		r.turn(st)
	}
}

// Resume applies the caller's decision to the pending confirmation. The
// checkpoint is consumed before anything runs, so a decision is applied at
// most once.
func (e *Engine) Resume(ctx context.Context, sessionID string, approved bool) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if strings.TrimSpace(sessionID) == "" {
			yield(nil, fmt.Errorf("%w: session id required", ErrInvalidRequest))
			return
		}
		r, done, ok := e.begin(ctx, "resume", sessionID, yield)
		if !ok {
			return
		}
		defer done()

		cp, err := e.checkpoints.TakeCheckpoint(r.ctx, sessionID)
		if err != nil {
			// The checkpoint is still in place; the caller may answer again.
			e.logger.Error("failed to load checkpoint", "session_id", sessionID, "error", err)
			r.fail(AgentState{SessionID: sessionID}, false)
			return
		}
		if cp == nil {
			yield(nil, ErrNoPendingConfirmation)
			return
		}

		st, err := decodeState(cp.StateJSON)
		if err != nil {
			e.logger.Error("corrupt checkpoint", "session_id", sessionID, "error", err)
			st, err = e.loadState(r.ctx, sessionID)
			if err != nil {
				e.logger.Error("failed to load session state", "session_id", sessionID, "error", err)
			}
			r.fail(st, err == nil)
			return
		}

		answer := "No, cancel."
		if approved {
			answer = "Yes, proceed."
		}
		st, _ = Apply(st, Delta{
			AwaitingConfirmation: ptr(false),
			AppendHistory:        []domain.Message{{Role: domain.RoleUser, Content: answer}},
		})

		switch {
		case cp.Expired(e.now()):
			e.metrics.IncResolution("expired")
			st, _ = Apply(st, Delta{Result: domain.Failed(domain.ErrCodeConfirmationExpired)})
		case !approved:
			e.metrics.IncResolution("rejected")
			st, _ = Apply(st, Delta{Result: domain.Failed(domain.ErrCodeCancelledByUser)})
		default:
			e.metrics.IncResolution("approved")
			r.execute(st)
			return
		}
		r.finish(st, true)
	}
}

// ExpireCheckpoint cancels an expired pending confirmation on behalf of the
// sweeper and records the cancellation in the session history. A checkpoint
// renewed since it was listed is left alone.
func (e *Engine) ExpireCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	lease, err := e.sessions.Acquire(ctx, cp.SessionID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	current, err := e.checkpoints.GetCheckpoint(ctx, cp.SessionID)
	if err != nil || current == nil || !current.Expired(e.now()) {
		return err
	}

	st, err := decodeState(current.StateJSON)
	if err != nil {
		e.logger.Error("corrupt checkpoint", "session_id", cp.SessionID, "error", err)
		if st, err = e.loadState(ctx, cp.SessionID); err != nil {
			return err
		}
	}
	st, _ = Apply(st, Delta{
		AwaitingConfirmation: ptr(false),
		Result:               domain.Failed(domain.ErrCodeConfirmationExpired),
	})
	reply := Fallback(st)
	st, _ = Apply(st, Delta{
		Phase:         ptr(PhaseDone),
		Reply:         &reply,
		AppendHistory: []domain.Message{{Role: domain.RoleAssistant, Content: reply}},
	})

	if err := e.checkpoints.DeleteCheckpoint(ctx, cp.SessionID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	e.metrics.IncResolution("expired")
	e.logger.Info("pending confirmation expired", "session_id", cp.SessionID, "tool", st.SelectedTool)
	return e.save(ctx, st)
}

// PendingConfirmation returns the session's pending checkpoint, or nil.
func (e *Engine) PendingConfirmation(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	return e.checkpoints.GetCheckpoint(ctx, sessionID)
}

// Snapshot returns the latest persisted state of a session, or nil if the
// session is unknown.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (*AgentState, error) {
	sess, err := e.sessions.Peek(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	st, err := decodeState(sess.StateJSON)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (e *Engine) loadState(ctx context.Context, sessionID string) (AgentState, error) {
	st := AgentState{SessionID: sessionID}
	sess, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return st, fmt.Errorf("%w: %w", errStateUnreadable, err)
	}
	if sess == nil {
		return st, nil
	}
	prior, err := decodeState(sess.StateJSON)
	if err != nil {
		return st, fmt.Errorf("%w: %w", errStateUnreadable, err)
	}
	st.History = prior.History
	return st, nil
}

// freshState starts a new turn on top of the session history. A pending
// confirmation is superseded by the new message.
func (e *Engine) freshState(ctx context.Context, req SubmitRequest) (AgentState, error) {
	st, err := e.loadState(ctx, req.SessionID)
	st.TurnID = uuid.NewString()
	st.Phase = PhaseAnalyzing
	st.RawMessage = req.Message
	st.UIContext = req.UIContext
	if err != nil {
		return st, err
	}
	st.ImagePayload = req.Image
	st.ImageMIME = req.ImageMIME

	pending, err := e.checkpoints.TakeCheckpoint(ctx, req.SessionID)
	if err != nil {
		return st, fmt.Errorf("supersede checkpoint: %w", err)
	}
	if pending != nil {
		e.metrics.IncResolution("superseded")
		if prior, err := decodeState(pending.StateJSON); err == nil {
			note := fmt.Sprintf("The pending request to %s was cancelled because a new message arrived.",
				describeAction(prior.SelectedTool, prior.Entities))
			st.History = append(st.History, domain.Message{Role: domain.RoleAssistant, Content: note})
		}
	}
	return st, nil
}

// step runs one stage under a span and merges its delta. A merge failure
// moves the state to the error phase.
func (r *run) step(name string, st AgentState, fn func(context.Context, AgentState) Delta) (AgentState, bool) {
	ctx, span := r.e.tracer.Start(r.ctx, "pipeline.stage."+name)
	defer span.End()
	start := time.Now()

	next, err := Apply(st, fn(ctx, st))
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.e.logger.Error("stage produced invalid state", "session_id", st.SessionID, "stage", name, "error", err)
		r.e.metrics.IncStageFailure(name, "invalid_delta")
		next, _ = Apply(st, Delta{Phase: ptr(PhaseError), Result: domain.Failed(domain.ErrCodeInternal)})
	}
	r.e.metrics.ObserveStage(name, status, time.Since(start))
	return next, err == nil
}

func withPhase(st AgentState, p Phase) AgentState {
	st, _ = Apply(st, Delta{Phase: &p})
	return st
}

// turn runs analyze and gate, then suspends or executes.
func (r *run) turn(st AgentState) {
	st, ok := r.step("analyzer", st, r.e.analyzer.Run)
	if !ok || st.NeedsClarification {
		r.finish(st, true)
		return
	}

	st = withPhase(st, PhaseValidating)
	var suspend bool
	st, ok = r.step("safety_gate", st, func(ctx context.Context, s AgentState) Delta {
		d, sus := r.e.gate.Run(ctx, s)
		suspend = sus
		return d
	})
	if !ok {
		r.finish(st, true)
		return
	}
	if suspend {
		r.suspend(st)
		return
	}
	r.execute(st)
}

func (r *run) execute(st AgentState) {
	st = withPhase(st, PhaseExecuting)
	st, _ = r.step("executor", st, r.e.executor.Run)
	r.finish(st, true)
}

// suspend checkpoints the state and emits the interrupt. If the checkpoint
// cannot be written the action is abandoned and the turn ends normally.
func (r *run) suspend(st AgentState) {
	e := r.e
	persistCtx := context.WithoutCancel(r.ctx)
	now := e.now()

	data, err := encodeState(st)
	if err == nil {
		err = e.checkpoints.PutCheckpoint(persistCtx, &domain.Checkpoint{
			SessionID:   st.SessionID,
			StateJSON:   data,
			SuspendedAt: domain.StageSafetyGate,
			CreatedAt:   now,
			ExpiresAt:   now.Add(e.cfg.ConfirmationTTL),
		})
	}
	if err != nil {
		e.logger.Error("failed to checkpoint pending confirmation", "session_id", st.SessionID, "tool", st.SelectedTool, "error", err)
		e.metrics.IncStageFailure("safety_gate", "checkpoint")
		st, _ = Apply(st, Delta{
			AwaitingConfirmation: ptr(false),
			Result:               domain.Failed(domain.ErrCodeConfirmationUnavailable),
		})
		r.finish(st, true)
		return
	}
	if err := e.save(persistCtx, st); err != nil {
		e.logger.Warn("failed to save suspended session", "session_id", st.SessionID, "error", err)
	}

	e.metrics.IncInterrupt(st.SelectedTool)
	e.logger.Info("awaiting confirmation", "session_id", st.SessionID, "tool", st.SelectedTool)
	msg := e.confirmationMessage(r.ctx, st.Impact)
	r.emit(&Event{
		Type:    EventConfirmation,
		Content: msg,
		Payload: &InterruptPayload{Message: msg, StructuredConsequence: st.Impact, ToolName: st.SelectedTool},
	})
}

// fail ends the turn with an internal error reply. persist is false when the
// prior snapshot could not be read, so the stored history is left intact.
func (r *run) fail(st AgentState, persist bool) {
	st.Phase = PhaseError
	st.AwaitingConfirmation = false
	st.Result = domain.Failed(domain.ErrCodeInternal)
	r.finish(st, persist)
}

// finish synthesizes the reply, persists the terminal state when persist is
// set and emits done.
func (r *run) finish(st AgentState, persist bool) {
	st = withPhase(st, PhaseGenerating)
	start := time.Now()
	reply, _ := r.e.synth.Run(r.ctx, st, func(tok string) bool {
		return r.emit(&Event{Type: EventToken, Content: tok})
	})
	r.e.metrics.ObserveStage("synthesizer", "ok", time.Since(start))

	d := Delta{Phase: ptr(PhaseDone), Reply: &reply}
	if reply != "" {
		d.AppendHistory = []domain.Message{{Role: domain.RoleAssistant, Content: reply}}
	}
	st, _ = Apply(st, d)

	if persist {
		if err := r.e.save(context.WithoutCancel(r.ctx), st); err != nil {
			r.e.logger.Error("failed to save session", "session_id", st.SessionID, "error", err)
		}
	}
	r.emit(&Event{Type: EventDone, Content: reply, Result: st.Result})
}

func (e *Engine) save(ctx context.Context, st AgentState) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	return e.sessions.Save(ctx, &domain.Session{ID: st.SessionID, Phase: string(st.Phase), StateJSON: data})
}

// confirmationMessage asks the completion service for the confirmation
// question, falling back to the assessment details.
func (e *Engine) confirmationMessage(ctx context.Context, impact *domain.ImpactAssessment) string {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CompletionTimeout)
	defer cancel()
	if msg, err := e.client.Confirm(ctx, impact); err == nil && msg != "" {
		return msg
	} else if err != nil {
		e.logger.Debug("confirmation prompt fell back to template", "error", err)
	}
	return ConfirmationText(impact)
}

// ConfirmationText is the templated confirmation question.
func ConfirmationText(impact *domain.ImpactAssessment) string {
	if impact == nil {
		return "This action requires confirmation. Do you want to proceed? (yes/no)"
	}
	details := strings.TrimSpace(impact.Details)
	if details == "" {
		details = fmt.Sprintf("%s is a high-impact action.", humanize(impact.Tool))
	}
	return details + " Do you want to proceed? (yes/no)"
}
