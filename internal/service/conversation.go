package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
)

const defaultWelcome = "Hi! I have a few quick questions for you."

type VisitorMessageParams struct {
	SessionID      string
	Content        string
	FieldKey       *string
	FieldValue     *json.RawMessage
	AttachmentURL  *string
	AttachmentType *string
	Metadata       json.RawMessage
}

type StartResult struct {
	Session  *model.Session  `json:"session"`
	Messages []model.Message `json:"messages"`
}

type VisitorMessageResult struct {
	Message    *model.Message    `json:"message"`
	FieldValue *model.FieldValue `json:"fieldValue,omitempty"`
	Session    *model.Session    `json:"session"`
}

// ConversationService drives a session from the visitor's side: it opens the
// session with a welcome, records each answer with the tracker and lets the
// responder reply in the background.
type ConversationService struct {
	agents    *AgentCatalog
	sessions  *SessionService
	messages  *MessageService
	fields    *FieldService
	validator *FieldValidator
	responder Responder
	timeout   time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewConversationService(
	agents *AgentCatalog,
	sessions *SessionService,
	messages *MessageService,
	fields *FieldService,
	validator *FieldValidator,
	responder Responder,
	timeout time.Duration,
) *ConversationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConversationService{
		agents:    agents,
		sessions:  sessions,
		messages:  messages,
		fields:    fields,
		validator: validator,
		responder: responder,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start opens a session and posts the welcome and the first prompt. Once the
// session is open Start does not fail: a welcome or prompt that could not be
// posted is logged and left out of the result, and the client carries on
// with the open session.
func (s *ConversationService) Start(ctx context.Context, params OpenSessionParams) (*StartResult, error) {
	session, err := s.sessions.Open(ctx, params)
	if err != nil {
		return nil, err
	}
	result := &StartResult{Session: session, Messages: []model.Message{}}

	welcome := defaultWelcome
	if agent, err := s.agents.Get(ctx, session.AgentID); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("agent lookup failed, using default welcome")
	} else if agent.Persona.WelcomeMessage != "" {
		welcome = agent.Persona.WelcomeMessage
	}

	first, err := s.messages.Append(ctx, AppendMessageParams{
		SessionID: session.ID,
		Role:      model.MessageRoleAgent,
		Content:   welcome,
	})
	if err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("welcome message failed")
	} else {
		result.Messages = append(result.Messages, *first)
	}

	respondCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg, err := s.respond(respondCtx, session.ID, "", nil)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("first prompt failed")
	} else if msg != nil {
		result.Messages = append(result.Messages, *msg)
	}

	return result, nil
}

// HandleVisitorMessage appends a visitor message. When it carries a field
// answer the value is stored, validated and evaluated for completion before
// returning. The agent's reply is produced asynchronously.
func (s *ConversationService) HandleVisitorMessage(ctx context.Context, params VisitorMessageParams) (*VisitorMessageResult, error) {
	msg, err := s.messages.Append(ctx, AppendMessageParams{
		SessionID:      params.SessionID,
		Role:           model.MessageRoleVisitor,
		Content:        params.Content,
		FieldKey:       params.FieldKey,
		FieldValue:     params.FieldValue,
		AttachmentURL:  params.AttachmentURL,
		AttachmentType: params.AttachmentType,
		Metadata:       params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	result := &VisitorMessageResult{Message: msg}

	var fieldKey string
	var issues model.ValidationIssues
	if params.FieldKey != nil && *params.FieldKey != "" {
		fieldKey = *params.FieldKey
		fv, fieldIssues, err := s.recordAnswer(ctx, msg)
		if err != nil {
			return nil, err
		}
		result.FieldValue = fv
		issues = fieldIssues
	}

	session, err := s.sessions.Get(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	result.Session = session

	if session.Status == model.SessionStatusInProgress {
		s.respondAsync(session.ID, fieldKey, issues)
	}
	return result, nil
}

// recordAnswer stores the answer unvalidated, runs the validator and
// records its verdict. The verdict write triggers completion.
func (s *ConversationService) recordAnswer(ctx context.Context, msg *model.Message) (*model.FieldValue, model.ValidationIssues, error) {
	session, err := s.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return nil, nil, err
	}
	agent, err := s.agents.Get(ctx, session.AgentID)
	if err != nil {
		return nil, nil, err
	}

	key := *msg.FieldKey
	value := answerValue(msg)

	if _, err := s.fields.Upsert(ctx, UpsertFieldParams{
		SessionID: msg.SessionID,
		FieldKey:  key,
		Value:     value,
	}); err != nil {
		return nil, nil, err
	}

	var issues model.ValidationIssues
	if field, ok := agent.Schema.Field(key); ok {
		issues = s.validator.Validate(field, value)
	} else {
		issues = model.ValidationIssues{{Code: IssueUnknownField, Message: "This form has no field " + key}}
	}

	fv, err := s.fields.SetValidation(ctx, msg.SessionID, key, len(issues) == 0, issues)
	if err != nil {
		return nil, nil, err
	}
	return fv, issues, nil
}

func (s *ConversationService) respondAsync(sessionID, fieldKey string, issues model.ValidationIssues) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		if _, err := s.respond(ctx, sessionID, fieldKey, issues); err != nil {
			if apperrors.IsRoutine(err) {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("responder reply skipped")
				return
			}
			log.Error().Err(err).Str("sessionId", sessionID).Msg("responder failed")
		}
	}()
}

func (s *ConversationService) respond(ctx context.Context, sessionID, fieldKey string, issues model.ValidationIssues) (*model.Message, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return nil, nil
	}
	agent, err := s.agents.Get(ctx, session.AgentID)
	if err != nil {
		return nil, err
	}
	progress, err := s.fields.Progress(ctx, sessionID, agent.Schema.RequiredFields())
	if err != nil {
		return nil, err
	}
	if progress.IsComplete() {
		// Completion normally happens on the validating write; this covers
		// a write whose evaluation failed.
		if _, err := s.fields.EvaluateCompletion(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	reply, err := s.responder.Respond(ctx, ResponderRequest{
		Agent:    agent,
		Session:  session,
		Progress: progress,
		FieldKey: fieldKey,
		Issues:   issues,
	})
	if err != nil {
		return nil, apperrors.Internal("Responder failed").WithCause(err)
	}
	if reply == nil || reply.Content == "" {
		return nil, nil
	}

	return s.messages.Append(ctx, AppendMessageParams{
		SessionID: sessionID,
		Role:      model.MessageRoleAgent,
		Content:   reply.Content,
		FieldKey:  reply.FieldKey,
	})
}

// Wait blocks until every in-flight responder call has finished.
func (s *ConversationService) Wait() {
	s.wg.Wait()
}

// Shutdown cancels in-flight responder calls and waits for them, bounded by ctx.
func (s *ConversationService) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// answerValue is the explicit field value, otherwise the attachment URL or
// the text content as a JSON string.
func answerValue(msg *model.Message) json.RawMessage {
	if msg.FieldValue != nil && len(*msg.FieldValue) > 0 {
		return *msg.FieldValue
	}
	raw := msg.Content
	if msg.AttachmentURL != nil && *msg.AttachmentURL != "" {
		raw = *msg.AttachmentURL
	}
	data, _ := json.Marshal(raw)
	return data
}
