package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/agentforms/formchat/internal/model"
)

type MessageRepository interface {
	// CreateIfSessionActive appends a message and bumps the session's
	// last activity in one statement. It returns nil when the session is
	// missing or no longer in progress.
	CreateIfSessionActive(ctx context.Context, params model.CreateMessageParams) (*model.Message, error)
	// FindBySessionID returns messages with seq greater than afterSeq in
	// ascending seq order. A limit of zero means no limit.
	FindBySessionID(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Message, error)
	CountBySessionID(ctx context.Context, sessionID string) (int, error)
}

type messageRepo struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) CreateIfSessionActive(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, `
		WITH s AS (
			UPDATE sessions SET last_activity_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'in-progress'
			RETURNING id
		)
		INSERT INTO messages (session_id, role, content, field_key, field_value, attachment_url, attachment_type, metadata)
		SELECT s.id, $2, $3, $4, $5, $6, $7, $8 FROM s
		RETURNING *
	`, params.SessionID, params.Role, params.Content, params.FieldKey,
		nullableJSONParam(params.FieldValue), params.AttachmentURL, params.AttachmentType,
		jsonParam(params.Metadata, "{}"))
	return HandleNotFound(&msg, err)
}

func (r *messageRepo) FindBySessionID(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	var msgs []model.Message
	var err error
	if limit > 0 {
		err = r.db.SelectContext(ctx, &msgs, `
			SELECT * FROM messages
			WHERE session_id = $1 AND seq > $2
			ORDER BY seq ASC
			LIMIT $3
		`, sessionID, afterSeq, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `
			SELECT * FROM messages
			WHERE session_id = $1 AND seq > $2
			ORDER BY seq ASC
		`, sessionID, afterSeq)
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *messageRepo) CountBySessionID(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID)
	return count, err
}
