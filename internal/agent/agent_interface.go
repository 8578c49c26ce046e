package agent

import (
	"context"
	"iter"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/pipeline"
)

// Processor defines the interface for turn processing.
// This interface is implemented by the pipeline engine.
type Processor interface {
	// Submit runs a new turn for the session.
	Submit(ctx context.Context, req pipeline.SubmitRequest) iter.Seq2[*pipeline.Event, error]

	// Resume answers the session's pending confirmation.
	Resume(ctx context.Context, sessionID string, approved bool) iter.Seq2[*pipeline.Event, error]

	// PendingConfirmation returns the pending checkpoint, or nil.
	PendingConfirmation(ctx context.Context, sessionID string) (*domain.Checkpoint, error)

	// Snapshot returns the latest persisted state, or nil.
	Snapshot(ctx context.Context, sessionID string) (*pipeline.AgentState, error)
}

// Ensure Engine implements Processor.
var _ Processor = (*pipeline.Engine)(nil)
