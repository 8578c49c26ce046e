// Package agent exposes the Movi assistant over HTTP and WebSocket.
package agent

import (
	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/pipeline"
)

// ChatRequest represents a chat request to the agent.
type ChatRequest struct {
	Message   string `json:"message"`
	UIContext string `json:"currentPage"`
	// Image is base64 encoded, optionally as a data URI.
	Image     string `json:"image,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
	SessionID string `json:"-"`
}

// ConfirmRequest carries the answer to a pending confirmation.
type ConfirmRequest struct {
	Approved bool `json:"approved"`
}

// SessionView is the read-only view of a session.
type SessionView struct {
	SessionID            string                   `json:"session_id"`
	Phase                pipeline.Phase           `json:"phase"`
	History              []domain.Message         `json:"conversation_history"`
	AwaitingConfirmation bool                     `json:"awaiting_confirmation"`
	PendingTool          string                   `json:"pending_tool,omitempty"`
	Impact               *domain.ImpactAssessment `json:"impact_assessment,omitempty"`
	ExpiresAt            int64                    `json:"confirmation_expires_at,omitempty"`
}

// Decision classifies a message sent while a confirmation is pending.
type Decision int

const (
	// DecisionNone means the message is a new request.
	DecisionNone Decision = iota
	DecisionApprove
	DecisionReject
)
