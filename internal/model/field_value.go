package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ValidationIssue describes one reason a field value was rejected.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationIssues is stored as a JSON array.
type ValidationIssues []ValidationIssue

func (v ValidationIssues) Value() (driver.Value, error) {
	if v == nil {
		return "[]", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (v *ValidationIssues) Scan(src any) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		*v = ValidationIssues{}
		return nil
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("scan validation issues: unsupported type %T", src)
	}
	issues := ValidationIssues{}
	if err := json.Unmarshal(data, &issues); err != nil {
		return fmt.Errorf("scan validation issues: %w", err)
	}
	*v = issues
	return nil
}

type FieldValue struct {
	ID               string           `db:"id" json:"id"`
	SessionID        string           `db:"session_id" json:"sessionId"`
	FieldKey         string           `db:"field_key" json:"fieldKey"`
	Value            json.RawMessage  `db:"value" json:"value"`
	Validated        bool             `db:"validated" json:"validated"`
	ValidationErrors ValidationIssues `db:"validation_errors" json:"validationErrors"`
	CollectedAt      time.Time        `db:"collected_at" json:"collectedAt"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updatedAt"`
}

type UpsertFieldValueParams struct {
	SessionID        string
	FieldKey         string
	Value            json.RawMessage
	Validated        bool
	ValidationErrors ValidationIssues
}

// Progress reports how many required fields hold a validated value.
type Progress struct {
	CompletedCount     int      `json:"completedCount"`
	TotalCount         int      `json:"totalCount"`
	RemainingFieldKeys []string `json:"remainingFieldKeys"`
}

// IsComplete is false for schemas without required fields.
func (p Progress) IsComplete() bool {
	return p.TotalCount > 0 && p.CompletedCount == p.TotalCount
}
