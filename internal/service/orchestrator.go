package service

import (
	"context"

	"github.com/rs/zerolog/log"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
)

// CompletionOrchestrator completes a session once every required field of
// its agent holds a validated value. Agents without required fields are
// never completed automatically.
type CompletionOrchestrator struct {
	fieldRepo repository.FieldValueRepository
	agentRepo repository.AgentRepository
	sessions  *SessionService
}

func NewCompletionOrchestrator(
	fieldRepo repository.FieldValueRepository,
	agentRepo repository.AgentRepository,
	sessions *SessionService,
) *CompletionOrchestrator {
	return &CompletionOrchestrator{
		fieldRepo: fieldRepo,
		agentRepo: agentRepo,
		sessions:  sessions,
	}
}

// Evaluate re-reads the session under its lock and completes it when the
// required fields are satisfied. The bool reports whether this call
// completed the session.
func (o *CompletionOrchestrator) Evaluate(ctx context.Context, sessionID string) (*model.Session, bool, error) {
	unlock, err := o.sessions.lockSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return o.evaluateLocked(ctx, session)
}

func (o *CompletionOrchestrator) evaluateLocked(ctx context.Context, session *model.Session) (*model.Session, bool, error) {
	if session.Status != model.SessionStatusInProgress {
		return session, false, nil
	}

	agent, err := o.agentRepo.FindByID(ctx, session.AgentID)
	if err != nil {
		return nil, false, apperrors.Storage(err)
	}
	if agent == nil {
		return nil, false, apperrors.NotFound("Agent")
	}

	values, err := o.fieldRepo.FindBySessionID(ctx, session.ID)
	if err != nil {
		return nil, false, apperrors.Storage(err)
	}

	progress := computeProgress(agent.Schema.RequiredFields(), values)
	log.Debug().
		Str("sessionId", session.ID).
		Int("completed", progress.CompletedCount).
		Int("total", progress.TotalCount).
		Msg("completion evaluated")

	if !progress.IsComplete() {
		return session, false, nil
	}
	return o.sessions.completeLocked(ctx, session.ID)
}
