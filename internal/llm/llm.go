// Package llm is the completion-service collaborator: intent classification,
// image description, reply synthesis and confirmation prompts.
package llm

import (
	"context"
	"iter"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/registry"
)

// ToolSpec is the classifier's view of a candidate tool.
type ToolSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Params      []registry.Param `json:"parameters,omitempty"`
}

// SpecsFor converts registry descriptors to classifier tool specs.
func SpecsFor(descs []*registry.Descriptor) []ToolSpec {
	out := make([]ToolSpec, 0, len(descs))
	for _, d := range descs {
		out = append(out, ToolSpec{Name: d.Name, Description: d.Description, Params: d.Params})
	}
	return out
}

// ClassifyRequest asks for the single best tool for a message.
type ClassifyRequest struct {
	History   []domain.Message
	Message   string
	UIContext string
	Tools     []ToolSpec
	HasImage  bool
}

// Classification is the classifier's answer. Tool is empty when nothing fits.
type Classification struct {
	Intent   string         `json:"intent"`
	Tool     string         `json:"tool_name"`
	Entities map[string]any `json:"entities"`
}

// SynthesisRequest carries everything the reply writer may describe.
type SynthesisRequest struct {
	History       []domain.Message
	Message       string
	UIContext     string
	Intent        string
	Tool          string
	Result        *domain.ExecutionResult
	Impact        *domain.ImpactAssessment
	Clarification string
}

// Client is the completion service. Every call honors ctx cancellation and
// deadline.
type Client interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Classification, error)
	DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error)
	// Synthesize streams reply tokens. Breaking out of the loop cancels the
	// underlying request.
	Synthesize(ctx context.Context, req SynthesisRequest) iter.Seq2[string, error]
	// Confirm writes a short confirmation question for a pending action.
	Confirm(ctx context.Context, impact *domain.ImpactAssessment) (string, error)
}
