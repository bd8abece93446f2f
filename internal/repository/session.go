package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentforms/formchat/internal/database"
	"github.com/agentforms/formchat/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveByPair(ctx context.Context, agentID, visitorID string) (*model.Session, error)
	// Create returns ErrActiveSessionExists when the pair already has an
	// in-progress session.
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// Touch bumps last_activity_at on an in-progress session and reports
	// whether a row was updated.
	Touch(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkCompleted and MarkAbandoned only transition in-progress sessions.
	// They return nil when the session is missing or already terminal.
	MarkCompleted(ctx context.Context, id string, collectedData json.RawMessage, at time.Time) (*model.Session, error)
	MarkAbandoned(ctx context.Context, id string, at time.Time) (*model.Session, error)
	FindByAgentID(ctx context.Context, agentID string, limit, offset int) ([]model.Session, error)
	CountByAgentID(ctx context.Context, agentID string) (int, error)
	FindInactive(ctx context.Context, before time.Time, limit int) ([]model.Session, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `SELECT * FROM sessions WHERE id = $1`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByPair(ctx context.Context, agentID, visitorID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE agent_id = $1 AND visitor_id = $2 AND status = 'in-progress'
	`, agentID, visitorID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (agent_id, visitor_id, status, visitor_metadata)
		VALUES ($1, $2, 'in-progress', $3)
		RETURNING *
	`, params.AgentID, params.VisitorID, jsonParam(params.VisitorMetadata, "{}"))
	if database.IsUniqueViolation(err, "sessions_one_active_per_pair") {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'in-progress'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sessionRepo) MarkCompleted(ctx context.Context, id string, collectedData json.RawMessage, at time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			status = 'completed',
			collected_data = $2,
			completed_at = $3,
			updated_at = $3
		WHERE id = $1 AND status = 'in-progress'
		RETURNING *
	`, id, jsonParam(collectedData, "{}"), at)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) MarkAbandoned(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			status = 'abandoned',
			updated_at = $2
		WHERE id = $1 AND status = 'in-progress'
		RETURNING *
	`, id, at)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByAgentID(ctx context.Context, agentID string, limit, offset int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) CountByAgentID(ctx context.Context, agentID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sessions WHERE agent_id = $1`, agentID)
	return count, err
}

func (r *sessionRepo) FindInactive(ctx context.Context, before time.Time, limit int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'in-progress' AND last_activity_at < $1
		ORDER BY last_activity_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
