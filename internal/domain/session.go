package domain

// ExecutionResult is the outcome of the single side-effecting action of a turn.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Well-known ExecutionResult error codes.
const (
	ErrCodeCancelledByUser         = "cancelled_by_user"
	ErrCodeConfirmationExpired     = "confirmation_expired"
	ErrCodeConfirmationUnavailable = "confirmation_unavailable"
	ErrCodeUnknownTool             = "unknown_tool"
	ErrCodeInternal                = "internal_error"
)

// Failed builds an unsuccessful result with the given error text.
func Failed(msg string) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: msg}
}

// ImpactAssessment describes what a pending high-impact action will affect,
// computed from current persisted state.
type ImpactAssessment struct {
	Tool            string         `json:"tool_name"`
	EntityType      EntityKind     `json:"entity_type,omitempty"`
	AffectedEntity  string         `json:"affected_entity,omitempty"`
	HasConsequences bool           `json:"has_consequences"`
	Details         string         `json:"details"`
	Facts           map[string]any `json:"facts,omitempty"`
}
