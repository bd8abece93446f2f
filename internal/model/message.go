package model

import (
	"encoding/json"
	"time"
)

type Message struct {
	ID             string           `db:"id" json:"id"`
	Seq            int64            `db:"seq" json:"seq"`
	SessionID      string           `db:"session_id" json:"sessionId"`
	Role           MessageRole      `db:"role" json:"role"`
	Content        string           `db:"content" json:"content"`
	FieldKey       *string          `db:"field_key" json:"fieldKey,omitempty"`
	FieldValue     *json.RawMessage `db:"field_value" json:"fieldValue,omitempty"`
	AttachmentURL  *string          `db:"attachment_url" json:"attachmentUrl,omitempty"`
	AttachmentType *string          `db:"attachment_type" json:"attachmentType,omitempty"`
	Metadata       json.RawMessage  `db:"metadata" json:"metadata"`
	CreatedAt      time.Time        `db:"created_at" json:"createdAt"`
}

// ToEventData returns JSON data for message push events
func (m *Message) ToEventData() json.RawMessage {
	data, _ := json.Marshal(m)
	return data
}

type CreateMessageParams struct {
	SessionID      string
	Role           MessageRole
	Content        string
	FieldKey       *string
	FieldValue     *json.RawMessage
	AttachmentURL  *string
	AttachmentType *string
	Metadata       json.RawMessage
}
