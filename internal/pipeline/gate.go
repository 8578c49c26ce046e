package pipeline

import (
	"context"
	"log/slog"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/registry"
)

// ConsequenceResolver computes the concrete impact of a high-impact tool.
type ConsequenceResolver interface {
	Resolve(ctx context.Context, tool string, entities map[string]any) (*domain.ImpactAssessment, error)
}

const genericImpactDetails = "The consequences of this action could not be checked against current records. It may not be reversible."

// SafetyGate passes normal tools through and suspends high-impact ones.
type SafetyGate struct {
	registry *registry.Registry
	resolver ConsequenceResolver
	metrics  *Metrics
	logger   *slog.Logger
}

// Run returns the delta and whether the run must suspend for confirmation.
// A resolver failure still suspends, with a generic assessment.
func (g *SafetyGate) Run(ctx context.Context, st AgentState) (Delta, bool) {
	if !g.registry.IsHighImpact(st.SelectedTool) {
		return Delta{AwaitingConfirmation: ptr(false)}, false
	}

	impact, err := g.resolver.Resolve(ctx, st.SelectedTool, st.Entities)
	if err != nil {
		g.logger.Warn("consequence check failed, requiring confirmation anyway",
			"session_id", st.SessionID, "tool", st.SelectedTool, "error", err)
		g.metrics.IncStageFailure("safety_gate", "resolver")
		impact = &domain.ImpactAssessment{
			Tool:            st.SelectedTool,
			HasConsequences: true,
			Details:         genericImpactDetails,
			Facts:           cloneMap(st.Entities),
		}
	}
	return Delta{
		Phase:                ptr(PhaseAwaitingConfirmation),
		Impact:               impact,
		AwaitingConfirmation: ptr(true),
	}, true
}
