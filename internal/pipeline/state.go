// Package pipeline runs one chat turn through four fixed stages (analyze,
// safety gate, execute, synthesize) with a single durable suspension point
// awaiting human confirmation between the gate and the executor.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/movi/internal/domain"
)

// Phase is the pipeline state machine position.
type Phase string

const (
	PhaseAnalyzing            Phase = "analyzing"
	PhaseValidating           Phase = "validating"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseExecuting            Phase = "executing"
	PhaseGenerating           Phase = "generating"
	PhaseDone                 Phase = "done"
	PhaseError                Phase = "error"
)

// AgentState is the value threaded through the stages. Stages never mutate
// it; they return a Delta that the engine merges into a fresh copy.
type AgentState struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Phase     Phase  `json:"phase"`

	RawMessage string           `json:"raw_message"`
	UIContext  string           `json:"ui_context"`
	History    []domain.Message `json:"conversation_history"`

	// Image bytes live for the analyzing stage only and are never persisted.
	ImagePayload []byte `json:"-"`
	ImageMIME    string `json:"-"`
	ImageSummary string `json:"derived_image_summary,omitempty"`

	Intent             string         `json:"intent,omitempty"`
	SelectedTool       string         `json:"selected_tool,omitempty"`
	Entities           map[string]any `json:"extracted_entities,omitempty"`
	NeedsClarification bool           `json:"needs_clarification"`
	Clarification      string         `json:"clarification,omitempty"`

	Impact               *domain.ImpactAssessment `json:"impact_assessment,omitempty"`
	AwaitingConfirmation bool                     `json:"awaiting_confirmation"`

	Result *domain.ExecutionResult `json:"execution_result,omitempty"`
	Reply  string                  `json:"reply,omitempty"`
}

// Clone returns a deep copy of s.
func (s AgentState) Clone() AgentState {
	out := s
	out.History = slices.Clone(s.History)
	out.ImagePayload = slices.Clone(s.ImagePayload)
	out.Entities = cloneMap(s.Entities)
	if s.Impact != nil {
		impact := *s.Impact
		impact.Facts = cloneMap(s.Impact.Facts)
		out.Impact = &impact
	}
	if s.Result != nil {
		result := *s.Result
		out.Result = &result
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(x)
	}
	return v
}

// Delta is a stage's output. Nil fields leave the state unchanged.
type Delta struct {
	Phase                *Phase
	ImageSummary         *string
	DropImage            bool
	Intent               *string
	SelectedTool         *string
	Entities             map[string]any
	NeedsClarification   *bool
	Clarification        *string
	Impact               *domain.ImpactAssessment
	AwaitingConfirmation *bool
	Result               *domain.ExecutionResult
	AppendHistory        []domain.Message
	Reply                *string
}

// ErrToolMutation is returned when a delta tries to change the selected
// tool after the analyzing phase.
var ErrToolMutation = errors.New("selected tool cannot change after analysis")

func ptr[T any](v T) *T { return &v }

// Apply merges d into a copy of s. History is append-only and the selected
// tool is frozen once analysis has finished.
func Apply(s AgentState, d Delta) (AgentState, error) {
	if d.SelectedTool != nil && s.Phase != PhaseAnalyzing && *d.SelectedTool != s.SelectedTool {
		return s, fmt.Errorf("%w: %q -> %q in phase %s", ErrToolMutation, s.SelectedTool, *d.SelectedTool, s.Phase)
	}

	out := s.Clone()
	if d.Phase != nil {
		out.Phase = *d.Phase
	}
	if d.ImageSummary != nil {
		out.ImageSummary = *d.ImageSummary
	}
	if d.DropImage {
		out.ImagePayload = nil
		out.ImageMIME = ""
	}
	if d.Intent != nil {
		out.Intent = *d.Intent
	}
	if d.SelectedTool != nil {
		out.SelectedTool = *d.SelectedTool
	}
	if d.Entities != nil {
		out.Entities = cloneMap(d.Entities)
	}
	if d.NeedsClarification != nil {
		out.NeedsClarification = *d.NeedsClarification
	}
	if d.Clarification != nil {
		out.Clarification = *d.Clarification
	}
	if d.Impact != nil {
		impact := *d.Impact
		impact.Facts = cloneMap(d.Impact.Facts)
		out.Impact = &impact
	}
	if d.AwaitingConfirmation != nil {
		out.AwaitingConfirmation = *d.AwaitingConfirmation
	}
	if d.Result != nil {
		result := *d.Result
		out.Result = &result
	}
	if len(d.AppendHistory) > 0 {
		out.History = append(out.History, d.AppendHistory...)
	}
	if d.Reply != nil {
		out.Reply = *d.Reply
	}
	return out, nil
}

// Window returns the last n history entries.
func Window(history []domain.Message, n int) []domain.Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func encodeState(s AgentState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (AgentState, error) {
	var s AgentState
	if err := json.Unmarshal(data, &s); err != nil {
		return AgentState{}, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}
