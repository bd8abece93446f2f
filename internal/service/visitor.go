package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/audit"
	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
	"github.com/agentforms/formchat/internal/util"
)

// VisitorIPPurpose binds sealed visitor addresses to their column.
const VisitorIPPurpose = "visitor.ip_address"

type ResolveVisitorParams struct {
	Fingerprint string
	UserAgent   string
	Referrer    string
	IPAddress   string
	Metadata    json.RawMessage
}

type VisitorService struct {
	visitorRepo    repository.VisitorRepository
	sealer         *util.Sealer
	consentVersion string
	now            func() time.Time
}

// NewVisitorService stores IP addresses sealed when sealer is non-nil and in
// clear text otherwise.
func NewVisitorService(visitorRepo repository.VisitorRepository, sealer *util.Sealer, consentVersion string) *VisitorService {
	return &VisitorService{
		visitorRepo:    visitorRepo,
		sealer:         sealer,
		consentVersion: consentVersion,
		now:            time.Now,
	}
}

// Resolve returns the visitor holding the fingerprint, creating one without
// consent when none exists. An existing visitor is never modified. An empty
// fingerprint always creates a fresh visitor.
func (s *VisitorService) Resolve(ctx context.Context, params ResolveVisitorParams) (*model.Visitor, error) {
	if params.Fingerprint != "" {
		existing, err := s.visitorRepo.FindByFingerprint(ctx, params.Fingerprint)
		if err != nil {
			return nil, apperrors.Storage(err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	ip, err := s.protectIP(params.IPAddress)
	if err != nil {
		return nil, apperrors.Internal("Failed to protect visitor address").WithCause(err)
	}

	visitor, err := s.visitorRepo.CreateIfAbsent(ctx, model.CreateVisitorParams{
		Fingerprint: optionalString(params.Fingerprint),
		UserAgent:   optionalString(params.UserAgent),
		Referrer:    optionalString(params.Referrer),
		IPAddress:   ip,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if visitor == nil {
		return nil, apperrors.Internal("Visitor vanished after insert")
	}

	log.Info().
		Str("visitorId", visitor.ID).
		Bool("fingerprinted", params.Fingerprint != "").
		Msg("visitor resolved")

	return visitor, nil
}

func (s *VisitorService) Get(ctx context.Context, visitorID string) (*model.Visitor, error) {
	if visitorID == "" {
		return nil, apperrors.MissingRequired("visitorId")
	}
	visitor, err := s.visitorRepo.FindByID(ctx, visitorID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if visitor == nil {
		return nil, apperrors.NotFound("Visitor")
	}
	return visitor, nil
}

// RecordConsent grants or revokes consent. A grant stamps the current time
// and the supplied version, falling back to the configured one. A revocation
// clears the timestamp and keeps whatever version the caller sent.
func (s *VisitorService) RecordConsent(ctx context.Context, visitorID string, granted bool, version string) (*model.Visitor, error) {
	if visitorID == "" {
		return nil, apperrors.MissingRequired("visitorId")
	}

	params := model.UpdateConsentParams{
		VisitorID: visitorID,
		Given:     granted,
		Version:   optionalString(version),
	}
	if granted {
		now := s.now()
		params.Timestamp = &now
		if params.Version == nil {
			params.Version = optionalString(s.consentVersion)
		}
	}

	visitor, err := s.visitorRepo.UpdateConsent(ctx, params)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if visitor == nil {
		return nil, apperrors.NotFound("Visitor")
	}

	eventType := audit.EventConsentRevoked
	if granted {
		eventType = audit.EventConsentGranted
	}
	audit.Log(ctx, audit.Event{
		Type:      eventType,
		VisitorID: visitor.ID,
		Details:   map[string]interface{}{"version": derefString(visitor.ConsentVersion)},
	})

	return visitor, nil
}

// UpdateMetadata replaces the visitor's metadata with a JSON object. Consent
// fields are never touched here.
func (s *VisitorService) UpdateMetadata(ctx context.Context, visitorID string, metadata json.RawMessage) (*model.Visitor, error) {
	if visitorID == "" {
		return nil, apperrors.MissingRequired("visitorId")
	}
	if len(metadata) == 0 {
		return nil, apperrors.MissingRequired("metadata")
	}
	var doc map[string]any
	if err := json.Unmarshal(metadata, &doc); err != nil || doc == nil {
		return nil, apperrors.InvalidInput("metadata", "must be a JSON object")
	}

	visitor, err := s.visitorRepo.UpdateMetadata(ctx, model.UpdateMetadataParams{
		VisitorID: visitorID,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if visitor == nil {
		return nil, apperrors.NotFound("Visitor")
	}

	log.Info().
		Str("visitorId", visitor.ID).
		Int("keys", len(doc)).
		Msg("visitor metadata updated")

	return visitor, nil
}

// ClientIP returns the visitor's stored address in clear text.
func (s *VisitorService) ClientIP(ctx context.Context, visitorID string) (string, error) {
	visitor, err := s.Get(ctx, visitorID)
	if err != nil {
		return "", err
	}
	if visitor.IPAddress == nil {
		return "", nil
	}
	if s.sealer == nil {
		return *visitor.IPAddress, nil
	}
	ip, err := s.sealer.Open(*visitor.IPAddress)
	if err != nil {
		return "", apperrors.Internal("Failed to read visitor address").WithCause(err)
	}
	return ip, nil
}

func (s *VisitorService) protectIP(ip string) (*string, error) {
	if ip == "" {
		return nil, nil
	}
	if s.sealer == nil {
		return &ip, nil
	}
	sealed, err := s.sealer.Seal(ip)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
