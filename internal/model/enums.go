package model

type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in-progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

type MessageRole string

const (
	MessageRoleAgent   MessageRole = "agent"
	MessageRoleVisitor MessageRole = "visitor"
)

func (r MessageRole) Valid() bool {
	return r == MessageRoleAgent || r == MessageRoleVisitor
}

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusArchived AgentStatus = "archived"
	AgentStatusDeleted  AgentStatus = "deleted"
)

type FieldType string

const (
	FieldTypeText        FieldType = "text"
	FieldTypeNumber      FieldType = "number"
	FieldTypeEmail       FieldType = "email"
	FieldTypeDate        FieldType = "date"
	FieldTypeSelect      FieldType = "select"
	FieldTypeMultiSelect FieldType = "multi-select"
	FieldTypeAttachment  FieldType = "attachment"
)
