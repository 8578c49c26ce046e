package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/registry"
)

// Executor runs the selected tool's handler exactly once.
type Executor struct {
	registry *registry.Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// Run executes the tool. Lookup, validation, handler errors and panics all
// become unsuccessful results; nothing is retried.
func (x *Executor) Run(ctx context.Context, st AgentState) Delta {
	desc, ok := x.registry.Lookup(st.SelectedTool)
	if !ok {
		x.metrics.IncStageFailure("executor", domain.ErrCodeUnknownTool)
		return Delta{Result: domain.Failed(domain.ErrCodeUnknownTool)}
	}

	args, err := desc.Validate(st.Entities)
	if err != nil {
		x.metrics.IncStageFailure("executor", "invalid_arguments")
		return Delta{Result: domain.Failed(err.Error())}
	}

	payload, err := invoke(ctx, desc.Handler, args)
	if err != nil {
		x.logger.Warn("tool failed", "session_id", st.SessionID, "tool", desc.Name, "error", err)
		x.metrics.IncStageFailure("executor", "handler")
		return Delta{Result: domain.Failed(err.Error())}
	}
	x.logger.Info("tool executed", "session_id", st.SessionID, "tool", desc.Name)
	return Delta{Result: &domain.ExecutionResult{Success: true, Payload: payload}}
}

func invoke(ctx context.Context, h registry.Handler, args registry.Args) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h(ctx, args)
}
