package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/audit"
	"github.com/agentforms/formchat/internal/config"
	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/lock"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/repository"
)

// EventPublisher delivers session events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, event pubsub.Event) error
	CloseSession(ctx context.Context, sessionID string, data json.RawMessage) error
}

type OpenSessionParams struct {
	AgentID   string
	VisitorID string
	Metadata  json.RawMessage
}

type SessionPage struct {
	Sessions []model.Session `json:"sessions"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

type SessionService struct {
	sessionRepo repository.SessionRepository
	visitorRepo repository.VisitorRepository
	agentRepo   repository.AgentRepository
	fieldRepo   repository.FieldValueRepository
	locker      lock.Locker
	events      EventPublisher
	now         func() time.Time
}

func NewSessionService(
	sessionRepo repository.SessionRepository,
	visitorRepo repository.VisitorRepository,
	agentRepo repository.AgentRepository,
	fieldRepo repository.FieldValueRepository,
	locker lock.Locker,
	events EventPublisher,
) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		visitorRepo: visitorRepo,
		agentRepo:   agentRepo,
		fieldRepo:   fieldRepo,
		locker:      locker,
		events:      events,
		now:         time.Now,
	}
}

// Open starts an in-progress session for a consenting visitor. A pair that
// already has an in-progress session is refused with SESSION_ACTIVE.
func (s *SessionService) Open(ctx context.Context, params OpenSessionParams) (*model.Session, error) {
	if params.AgentID == "" {
		return nil, apperrors.MissingRequired("agentId")
	}
	if params.VisitorID == "" {
		return nil, apperrors.MissingRequired("visitorId")
	}

	agent, err := s.agentRepo.FindByID(ctx, params.AgentID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if agent == nil || !agent.IsAvailable() {
		return nil, apperrors.ValidationError("Agent is not available")
	}

	visitor, err := s.visitorRepo.FindByID(ctx, params.VisitorID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if visitor == nil {
		return nil, apperrors.NotFound("Visitor")
	}
	if !visitor.ConsentGiven {
		return nil, apperrors.ConsentRequired()
	}

	existing, err := s.sessionRepo.FindActiveByPair(ctx, params.AgentID, params.VisitorID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if existing != nil {
		return nil, apperrors.SessionActive(existing.ID)
	}

	session, err := s.sessionRepo.Create(ctx, model.CreateSessionParams{
		AgentID:         params.AgentID,
		VisitorID:       params.VisitorID,
		VisitorMetadata: params.Metadata,
	})
	if errors.Is(err, repository.ErrActiveSessionExists) {
		// Lost a race with a concurrent open for the same pair.
		existing, findErr := s.sessionRepo.FindActiveByPair(ctx, params.AgentID, params.VisitorID)
		if findErr != nil || existing == nil {
			return nil, apperrors.SessionActive("")
		}
		return nil, apperrors.SessionActive(existing.ID)
	}
	if err != nil {
		return nil, apperrors.Storage(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("agentId", session.AgentID).
		Str("visitorId", params.VisitorID).
		Msg("session opened")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionOpened,
		SessionID: session.ID,
		AgentID:   session.AgentID,
		VisitorID: params.VisitorID,
	})

	return session, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

func (s *SessionService) ListByAgent(ctx context.Context, agentID string, limit, offset int) (*SessionPage, error) {
	if agentID == "" {
		return nil, apperrors.MissingRequired("agentId")
	}
	sessions, err := s.sessionRepo.FindByAgentID(ctx, agentID, limit, offset)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	total, err := s.sessionRepo.CountByAgentID(ctx, agentID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return &SessionPage{Sessions: sessions, Total: total, Limit: limit, Offset: offset}, nil
}

// Complete moves an in-progress session to completed. Completing a session
// twice returns the stored session and keeps the first completed_at.
func (s *SessionService) Complete(ctx context.Context, sessionID string) (*model.Session, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, _, err := s.completeLocked(ctx, sessionID)
	return session, err
}

// completeLocked requires the caller to hold the session lock. The bool
// reports whether this call performed the transition.
func (s *SessionService) completeLocked(ctx context.Context, sessionID string) (*model.Session, bool, error) {
	values, err := s.fieldRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, false, apperrors.Storage(err)
	}
	snapshot, err := collectedData(values)
	if err != nil {
		return nil, false, apperrors.Internal("Failed to snapshot collected data").WithCause(err)
	}

	session, err := s.sessionRepo.MarkCompleted(ctx, sessionID, snapshot, s.now())
	if err != nil {
		return nil, false, apperrors.Storage(err)
	}
	if session == nil {
		current, err := s.Get(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if current.Status == model.SessionStatusCompleted {
			return current, false, nil
		}
		return nil, false, apperrors.SessionClosed(string(current.Status))
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("agentId", session.AgentID).
		Int("fieldCount", len(values)).
		Msg("session completed")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCompleted,
		SessionID: session.ID,
		AgentID:   session.AgentID,
		VisitorID: derefString(session.VisitorID),
	})
	s.publishClosed(ctx, session)

	return session, true, nil
}

// Abandon moves an in-progress session to abandoned. Abandoning twice is a
// no-op; abandoning a completed session fails.
func (s *SessionService) Abandon(ctx context.Context, sessionID string) (*model.Session, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, _, err := s.abandonLocked(ctx, sessionID)
	return session, err
}

func (s *SessionService) abandonLocked(ctx context.Context, sessionID string) (*model.Session, bool, error) {
	session, err := s.sessionRepo.MarkAbandoned(ctx, sessionID, s.now())
	if err != nil {
		return nil, false, apperrors.Storage(err)
	}
	if session == nil {
		current, err := s.Get(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if current.Status == model.SessionStatusAbandoned {
			return current, false, nil
		}
		return nil, false, apperrors.SessionClosed(string(current.Status))
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("agentId", session.AgentID).
		Time("lastActivityAt", session.LastActivityAt).
		Msg("session abandoned")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionAbandoned,
		SessionID: session.ID,
		AgentID:   session.AgentID,
		VisitorID: derefString(session.VisitorID),
	})
	s.publishClosed(ctx, session)

	return session, true, nil
}

// AbandonInactive abandons in-progress sessions idle for longer than idle
// and returns how many it closed.
func (s *SessionService) AbandonInactive(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := s.now().Add(-idle)
	abandoned := 0

	for {
		stale, err := s.sessionRepo.FindInactive(ctx, cutoff, config.AbandonBatchSize)
		if err != nil {
			return abandoned, apperrors.Storage(err)
		}

		progressed := false
		for _, candidate := range stale {
			closed, err := s.abandonIfIdle(ctx, candidate.ID, cutoff)
			if err != nil {
				if apperrors.IsRoutine(err) {
					log.Debug().Err(err).Str("sessionId", candidate.ID).Msg("skip abandon")
					continue
				}
				return abandoned, err
			}
			if closed {
				abandoned++
				progressed = true
			}
		}

		if len(stale) < config.AbandonBatchSize || !progressed {
			return abandoned, nil
		}
	}
}

func (s *SessionService) abandonIfIdle(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if current.Status != model.SessionStatusInProgress || !current.LastActivityAt.Before(cutoff) {
		return false, nil
	}

	_, closed, err := s.abandonLocked(ctx, sessionID)
	return closed, err
}

func (s *SessionService) lockSession(ctx context.Context, sessionID string) (func(), error) {
	if sessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	lockCtx, cancel := context.WithTimeout(ctx, config.SessionLockWait)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, sessionID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	return unlock, nil
}

func (s *SessionService) publishClosed(ctx context.Context, session *model.Session) {
	if s.events == nil {
		return
	}
	if err := s.events.CloseSession(ctx, session.ID, session.SessionEventData()); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to publish session close")
	}
}

// collectedData builds the completion snapshot from validated values.
func collectedData(values []model.FieldValue) (json.RawMessage, error) {
	snapshot := make(map[string]json.RawMessage, len(values))
	for _, fv := range values {
		if fv.Validated {
			snapshot[fv.FieldKey] = fv.Value
		}
	}
	return json.Marshal(snapshot)
}
