package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type Agent struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Description *string     `db:"description" json:"description,omitempty"`
	Schema      AgentSchema `db:"schema" json:"schema"`
	Persona     Persona     `db:"persona" json:"persona"`
	Published   bool        `db:"published" json:"published"`
	PublicURL   *string     `db:"public_url" json:"publicUrl,omitempty"`
	Version     int         `db:"version" json:"version"`
	Status      AgentStatus `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

// IsAvailable reports whether visitors may open sessions against the agent.
func (a *Agent) IsAvailable() bool {
	return a.Published && a.Status == AgentStatusActive
}

// AgentSchema and Persona keep the snake_case JSON layout the agent builder writes.
type AgentSchema struct {
	Fields []Field `json:"fields"`
}

type Field struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Type        FieldType       `json:"type"`
	Label       string          `json:"label"`
	Placeholder string          `json:"placeholder,omitempty"`
	Required    bool            `json:"required"`
	Validation  *ValidationRule `json:"validation,omitempty"`
	Options     []string        `json:"options,omitempty"`
	HelpText    string          `json:"help_text,omitempty"`
	Order       int             `json:"order"`
}

type ValidationRule struct {
	Regex  string   `json:"regex,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Custom string   `json:"custom,omitempty"`
}

type Persona struct {
	Tone           string `json:"tone"`
	WelcomeMessage string `json:"welcome_message,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

// OrderedFields returns the schema fields sorted by their display order.
func (s AgentSchema) OrderedFields() []Field {
	fields := make([]Field, len(s.Fields))
	copy(fields, s.Fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Order < fields[j].Order })
	return fields
}

// RequiredFields returns the required fields in display order.
func (s AgentSchema) RequiredFields() []Field {
	var required []Field
	for _, f := range s.OrderedFields() {
		if f.Required {
			required = append(required, f)
		}
	}
	return required
}

func (s AgentSchema) Field(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

func (s AgentSchema) Value() (driver.Value, error) {
	return marshalJSONColumn(s)
}

func (s *AgentSchema) Scan(src any) error {
	return scanJSONColumn(src, s)
}

func (p Persona) Value() (driver.Value, error) {
	return marshalJSONColumn(p)
}

func (p *Persona) Scan(src any) error {
	return scanJSONColumn(src, p)
}

func marshalJSONColumn(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanJSONColumn(src any, dest any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(s, dest)
	case string:
		return json.Unmarshal([]byte(s), dest)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
}
