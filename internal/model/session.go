package model

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID              string          `db:"id" json:"id"`
	AgentID         string          `db:"agent_id" json:"agentId"`
	VisitorID       *string         `db:"visitor_id" json:"visitorId,omitempty"`
	Status          SessionStatus   `db:"status" json:"status"`
	VisitorMetadata json.RawMessage `db:"visitor_metadata" json:"visitorMetadata"`
	CollectedData   json.RawMessage `db:"collected_data" json:"collectedData"`
	LastActivityAt  time.Time       `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

type CreateSessionParams struct {
	AgentID         string
	VisitorID       string
	VisitorMetadata json.RawMessage
}

// SessionEventData is the payload published when a session reaches a terminal state.
func (s *Session) SessionEventData() json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"sessionId":   s.ID,
		"status":      s.Status,
		"completedAt": s.CompletedAt,
	})
	return data
}
