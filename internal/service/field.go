package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
)

type UpsertFieldParams struct {
	SessionID string
	FieldKey  string
	Value     json.RawMessage
	Validated bool
	Errors    model.ValidationIssues
}

type FieldService struct {
	fieldRepo    repository.FieldValueRepository
	sessionRepo  repository.SessionRepository
	agentRepo    repository.AgentRepository
	sessions     *SessionService
	orchestrator *CompletionOrchestrator
	now          func() time.Time
}

func NewFieldService(
	fieldRepo repository.FieldValueRepository,
	sessionRepo repository.SessionRepository,
	agentRepo repository.AgentRepository,
	sessions *SessionService,
	orchestrator *CompletionOrchestrator,
) *FieldService {
	return &FieldService{
		fieldRepo:    fieldRepo,
		sessionRepo:  sessionRepo,
		agentRepo:    agentRepo,
		sessions:     sessions,
		orchestrator: orchestrator,
		now:          time.Now,
	}
}

// Upsert records the value for a field, replacing any previous value and its
// validation state. When the stored value ends up validated the session is
// evaluated for completion before the lock is released.
func (s *FieldService) Upsert(ctx context.Context, params UpsertFieldParams) (*model.FieldValue, error) {
	if params.FieldKey == "" {
		return nil, apperrors.MissingRequired("fieldKey")
	}

	unlock, err := s.sessions.lockSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.requireInProgress(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}

	fv, err := s.fieldRepo.Upsert(ctx, model.UpsertFieldValueParams{
		SessionID:        params.SessionID,
		FieldKey:         params.FieldKey,
		Value:            params.Value,
		Validated:        params.Validated,
		ValidationErrors: params.Errors,
	})
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	s.touch(ctx, session.ID)

	log.Debug().
		Str("sessionId", session.ID).
		Str("fieldKey", fv.FieldKey).
		Bool("validated", fv.Validated).
		Msg("field value upserted")

	if fv.Validated {
		s.evaluateLocked(ctx, session)
	}
	return fv, nil
}

// SetValidation records an external validation result for an existing value.
func (s *FieldService) SetValidation(
	ctx context.Context,
	sessionID, fieldKey string,
	validated bool,
	issues model.ValidationIssues,
) (*model.FieldValue, error) {
	if fieldKey == "" {
		return nil, apperrors.MissingRequired("fieldKey")
	}

	unlock, err := s.sessions.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.requireInProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if validated {
		issues = nil
	}
	fv, err := s.fieldRepo.UpdateValidation(ctx, sessionID, fieldKey, validated, issues)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if fv == nil {
		return nil, apperrors.NotFound("Field value")
	}
	s.touch(ctx, sessionID)

	log.Debug().
		Str("sessionId", sessionID).
		Str("fieldKey", fieldKey).
		Bool("validated", validated).
		Int("issueCount", len(issues)).
		Msg("field validation recorded")

	if fv.Validated {
		s.evaluateLocked(ctx, session)
	}
	return fv, nil
}

// EvaluateCompletion completes the session when its required fields are all
// validated. It reports whether this call completed it.
func (s *FieldService) EvaluateCompletion(ctx context.Context, sessionID string) (bool, error) {
	_, completed, err := s.orchestrator.Evaluate(ctx, sessionID)
	return completed, err
}

// evaluateLocked runs completion after a committed write. A failure leaves
// the write in place; EvaluateCompletion or the next write retries it.
func (s *FieldService) evaluateLocked(ctx context.Context, session *model.Session) {
	if _, _, err := s.orchestrator.evaluateLocked(ctx, session); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", session.ID).
			Msg("completion evaluation failed")
	}
}

func (s *FieldService) List(ctx context.Context, sessionID string) ([]model.FieldValue, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	values, err := s.fieldRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if values == nil {
		values = []model.FieldValue{}
	}
	return values, nil
}

// Progress counts required fields that hold a validated value. Remaining
// keys follow the order of requiredFields.
func (s *FieldService) Progress(ctx context.Context, sessionID string, requiredFields []model.Field) (model.Progress, error) {
	values, err := s.fieldRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return model.Progress{}, apperrors.Storage(err)
	}
	return computeProgress(requiredFields, values), nil
}

// SessionProgress computes progress against the session agent's schema.
func (s *FieldService) SessionProgress(ctx context.Context, sessionID string) (model.Progress, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.Progress{}, err
	}
	agent, err := s.agentRepo.FindByID(ctx, session.AgentID)
	if err != nil {
		return model.Progress{}, apperrors.Storage(err)
	}
	if agent == nil {
		return model.Progress{}, apperrors.NotFound("Agent")
	}
	return s.Progress(ctx, sessionID, agent.Schema.RequiredFields())
}

func (s *FieldService) requireInProgress(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return nil, apperrors.SessionClosed(string(session.Status))
	}
	return session, nil
}

func (s *FieldService) touch(ctx context.Context, sessionID string) {
	if _, err := s.sessionRepo.Touch(ctx, sessionID, s.now()); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to record session activity")
	}
}

func computeProgress(required []model.Field, values []model.FieldValue) model.Progress {
	validated := make(map[string]bool, len(values))
	for _, fv := range values {
		validated[fv.FieldKey] = fv.Validated
	}

	progress := model.Progress{
		TotalCount:         len(required),
		RemainingFieldKeys: []string{},
	}
	for _, f := range required {
		if validated[f.Key] {
			progress.CompletedCount++
		} else {
			progress.RemainingFieldKeys = append(progress.RemainingFieldKeys, f.Key)
		}
	}
	return progress
}
