package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentforms/formchat/internal/model"
)

type VisitorRepository interface {
	FindByID(ctx context.Context, id string) (*model.Visitor, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.Visitor, error)
	// CreateIfAbsent inserts a visitor unless one already holds the
	// fingerprint, in which case the existing row is returned untouched.
	CreateIfAbsent(ctx context.Context, params model.CreateVisitorParams) (*model.Visitor, error)
	// UpdateConsent returns nil when the visitor does not exist.
	UpdateConsent(ctx context.Context, params model.UpdateConsentParams) (*model.Visitor, error)
	// UpdateMetadata replaces the metadata document and leaves consent as
	// it is. It returns nil when the visitor does not exist.
	UpdateMetadata(ctx context.Context, params model.UpdateMetadataParams) (*model.Visitor, error)
}

type visitorRepo struct {
	db *sqlx.DB
}

func NewVisitorRepository(db *sqlx.DB) VisitorRepository {
	return &visitorRepo{db: db}
}

func (r *visitorRepo) FindByID(ctx context.Context, id string) (*model.Visitor, error) {
	var visitor model.Visitor
	err := r.db.GetContext(ctx, &visitor, `SELECT * FROM visitors WHERE id = $1`, id)
	return HandleNotFound(&visitor, err)
}

func (r *visitorRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*model.Visitor, error) {
	var visitor model.Visitor
	err := r.db.GetContext(ctx, &visitor, `SELECT * FROM visitors WHERE fingerprint = $1`, fingerprint)
	return HandleNotFound(&visitor, err)
}

func (r *visitorRepo) CreateIfAbsent(ctx context.Context, params model.CreateVisitorParams) (*model.Visitor, error) {
	var visitor model.Visitor
	err := r.db.GetContext(ctx, &visitor, `
		INSERT INTO visitors (fingerprint, user_agent, referrer, ip_address, metadata, consent_given)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING *
	`, params.Fingerprint, params.UserAgent, params.Referrer, params.IPAddress,
		jsonParam(params.Metadata, "{}"))
	found, err := HandleNotFound(&visitor, err)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}

	// Lost the race to a concurrent insert with the same fingerprint.
	return r.FindByFingerprint(ctx, *params.Fingerprint)
}

func (r *visitorRepo) UpdateConsent(ctx context.Context, params model.UpdateConsentParams) (*model.Visitor, error) {
	var visitor model.Visitor
	err := r.db.GetContext(ctx, &visitor, `
		UPDATE visitors SET
			consent_given = $2,
			consent_timestamp = $3,
			consent_version = $4,
			updated_at = $5
		WHERE id = $1
		RETURNING *
	`, params.VisitorID, params.Given, params.Timestamp, params.Version, time.Now())
	return HandleNotFound(&visitor, err)
}

func (r *visitorRepo) UpdateMetadata(ctx context.Context, params model.UpdateMetadataParams) (*model.Visitor, error) {
	var visitor model.Visitor
	err := r.db.GetContext(ctx, &visitor, `
		UPDATE visitors SET metadata = $2, updated_at = $3
		WHERE id = $1
		RETURNING *
	`, params.VisitorID, jsonParam(params.Metadata, "{}"), time.Now())
	return HandleNotFound(&visitor, err)
}
