package model

import (
	"encoding/json"
	"time"
)

type Visitor struct {
	ID               string          `db:"id" json:"id"`
	Fingerprint      *string         `db:"fingerprint" json:"fingerprint,omitempty"`
	IPAddress        *string         `db:"ip_address" json:"-"`
	ConsentGiven     bool            `db:"consent_given" json:"consentGiven"`
	ConsentTimestamp *time.Time      `db:"consent_timestamp" json:"consentTimestamp,omitempty"`
	ConsentVersion   *string         `db:"consent_version" json:"consentVersion,omitempty"`
	UserAgent        *string         `db:"user_agent" json:"userAgent,omitempty"`
	Referrer         *string         `db:"referrer" json:"referrer,omitempty"`
	Metadata         json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

type CreateVisitorParams struct {
	Fingerprint *string
	UserAgent   *string
	Referrer    *string
	IPAddress   *string
	Metadata    json.RawMessage
}

type UpdateMetadataParams struct {
	VisitorID string
	Metadata  json.RawMessage
}

type UpdateConsentParams struct {
	VisitorID string
	Given     bool
	Timestamp *time.Time
	Version   *string
}
