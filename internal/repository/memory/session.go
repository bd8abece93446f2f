package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
)

type sessionRepo struct {
	s *Store
}

// WithTx is a no-op: every call already holds the store lock.
func (r *sessionRepo) WithTx(_ *sqlx.Tx) repository.SessionRepository {
	return r
}

func (r *sessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (r *sessionRepo) FindActiveByPair(_ context.Context, agentID, visitorID string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if sess := r.s.activeByPair(agentID, visitorID); sess != nil {
		return sess, nil
	}
	return nil, nil
}

func (s *Store) activeByPair(agentID, visitorID string) *model.Session {
	for _, sess := range s.sessions {
		if sess.AgentID == agentID && sess.VisitorID != nil && *sess.VisitorID == visitorID &&
			sess.Status == model.SessionStatusInProgress {
			return &sess
		}
	}
	return nil
}

func (r *sessionRepo) Create(_ context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.activeByPair(params.AgentID, params.VisitorID) != nil {
		return nil, repository.ErrActiveSessionExists
	}

	ts := r.s.now()
	visitorID := params.VisitorID
	sess := model.Session{
		ID:              uuid.NewString(),
		AgentID:         params.AgentID,
		VisitorID:       &visitorID,
		Status:          model.SessionStatusInProgress,
		VisitorMetadata: rawOrDefault(params.VisitorMetadata, "{}"),
		CollectedData:   json.RawMessage("{}"),
		LastActivityAt:  ts,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	r.s.sessions[sess.ID] = sess
	return &sess, nil
}

func (r *sessionRepo) Touch(_ context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.Status != model.SessionStatusInProgress {
		return false, nil
	}
	sess.LastActivityAt = at
	sess.UpdatedAt = at
	r.s.sessions[id] = sess
	return true, nil
}

func (r *sessionRepo) MarkCompleted(_ context.Context, id string, collectedData json.RawMessage, at time.Time) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.Status != model.SessionStatusInProgress {
		return nil, nil
	}
	completedAt := at
	sess.Status = model.SessionStatusCompleted
	sess.CollectedData = rawOrDefault(collectedData, "{}")
	sess.CompletedAt = &completedAt
	sess.UpdatedAt = at
	r.s.sessions[id] = sess
	return &sess, nil
}

func (r *sessionRepo) MarkAbandoned(_ context.Context, id string, at time.Time) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.Status != model.SessionStatusInProgress {
		return nil, nil
	}
	sess.Status = model.SessionStatusAbandoned
	sess.UpdatedAt = at
	r.s.sessions[id] = sess
	return &sess, nil
}

func (r *sessionRepo) FindByAgentID(_ context.Context, agentID string, limit, offset int) ([]model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var matched []model.Session
	for _, sess := range r.s.sessions {
		if sess.AgentID == agentID {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if offset >= len(matched) {
		return []model.Session{}, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func (r *sessionRepo) CountByAgentID(_ context.Context, agentID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	count := 0
	for _, sess := range r.s.sessions {
		if sess.AgentID == agentID {
			count++
		}
	}
	return count, nil
}

func (r *sessionRepo) FindInactive(_ context.Context, before time.Time, limit int) ([]model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var stale []model.Session
	for _, sess := range r.s.sessions {
		if sess.Status == model.SessionStatusInProgress && sess.LastActivityAt.Before(before) {
			stale = append(stale, sess)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].LastActivityAt.Before(stale[j].LastActivityAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
