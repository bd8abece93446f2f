package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/agentforms/formchat/internal/model"
)

type FieldValueRepository interface {
	// Upsert keeps exactly one row per (session, field key). A repeated
	// upsert replaces value and validation state and keeps collected_at.
	Upsert(ctx context.Context, params model.UpsertFieldValueParams) (*model.FieldValue, error)
	// UpdateValidation returns nil when no value exists for the key.
	UpdateValidation(ctx context.Context, sessionID, fieldKey string, validated bool, issues model.ValidationIssues) (*model.FieldValue, error)
	FindBySessionID(ctx context.Context, sessionID string) ([]model.FieldValue, error)
	FindByKey(ctx context.Context, sessionID, fieldKey string) (*model.FieldValue, error)
}

type fieldValueRepo struct {
	db *sqlx.DB
}

func NewFieldValueRepository(db *sqlx.DB) FieldValueRepository {
	return &fieldValueRepo{db: db}
}

func (r *fieldValueRepo) Upsert(ctx context.Context, params model.UpsertFieldValueParams) (*model.FieldValue, error) {
	var fv model.FieldValue
	err := r.db.GetContext(ctx, &fv, `
		INSERT INTO field_values (session_id, field_key, value, validated, validation_errors)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT field_values_session_key DO UPDATE SET
			value = EXCLUDED.value,
			validated = EXCLUDED.validated,
			validation_errors = EXCLUDED.validation_errors,
			updated_at = NOW()
		RETURNING *
	`, params.SessionID, params.FieldKey, jsonParam(params.Value, "null"),
		params.Validated, params.ValidationErrors)
	if err != nil {
		return nil, err
	}
	return &fv, nil
}

func (r *fieldValueRepo) UpdateValidation(ctx context.Context, sessionID, fieldKey string, validated bool, issues model.ValidationIssues) (*model.FieldValue, error) {
	var fv model.FieldValue
	err := r.db.GetContext(ctx, &fv, `
		UPDATE field_values SET
			validated = $3,
			validation_errors = $4,
			updated_at = NOW()
		WHERE session_id = $1 AND field_key = $2
		RETURNING *
	`, sessionID, fieldKey, validated, issues)
	return HandleNotFound(&fv, err)
}

func (r *fieldValueRepo) FindBySessionID(ctx context.Context, sessionID string) ([]model.FieldValue, error) {
	var values []model.FieldValue
	err := r.db.SelectContext(ctx, &values, `
		SELECT * FROM field_values
		WHERE session_id = $1
		ORDER BY collected_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (r *fieldValueRepo) FindByKey(ctx context.Context, sessionID, fieldKey string) (*model.FieldValue, error) {
	var fv model.FieldValue
	err := r.db.GetContext(ctx, &fv, `
		SELECT * FROM field_values WHERE session_id = $1 AND field_key = $2
	`, sessionID, fieldKey)
	return HandleNotFound(&fv, err)
}
