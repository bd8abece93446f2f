package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentforms/formchat/internal/model"
)

type messageRepo struct {
	s *Store
}

func (r *messageRepo) CreateIfSessionActive(_ context.Context, params model.CreateMessageParams) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sess, ok := r.s.sessions[params.SessionID]
	if !ok || sess.Status != model.SessionStatusInProgress {
		return nil, nil
	}

	ts := r.s.now()
	sess.LastActivityAt = ts
	sess.UpdatedAt = ts
	r.s.sessions[sess.ID] = sess

	r.s.seq++
	msg := model.Message{
		ID:             uuid.NewString(),
		Seq:            r.s.seq,
		SessionID:      params.SessionID,
		Role:           params.Role,
		Content:        params.Content,
		FieldKey:       params.FieldKey,
		AttachmentURL:  params.AttachmentURL,
		AttachmentType: params.AttachmentType,
		Metadata:       rawOrDefault(params.Metadata, "{}"),
		CreatedAt:      ts,
	}
	if params.FieldValue != nil {
		value := rawOrDefault(*params.FieldValue, "null")
		msg.FieldValue = &value
	}
	r.s.messages[msg.SessionID] = append(r.s.messages[msg.SessionID], msg)
	return &msg, nil
}

func (r *messageRepo) FindBySessionID(_ context.Context, sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	msgs := []model.Message{}
	for _, msg := range r.s.messages[sessionID] {
		if msg.Seq <= afterSeq {
			continue
		}
		msgs = append(msgs, msg)
		if limit > 0 && len(msgs) == limit {
			break
		}
	}
	return msgs, nil
}

func (r *messageRepo) CountBySessionID(_ context.Context, sessionID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.messages[sessionID]), nil
}
