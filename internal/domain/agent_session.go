package domain

import (
	"time"
)

// StageSafetyGate is the only stage a run can be suspended at.
const StageSafetyGate = "safety_gate"

// Session stores the latest pipeline snapshot for a conversation.
type Session struct {
	ID        string
	Phase     string
	StateJSON []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checkpoint is the durable record of a run suspended awaiting confirmation.
type Checkpoint struct {
	SessionID   string
	StateJSON   []byte
	SuspendedAt string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the confirmation window has closed.
// A zero ExpiresAt never expires.
func (c *Checkpoint) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// Message is a serialized chat message entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
