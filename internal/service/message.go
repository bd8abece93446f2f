package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/repository"
)

// EventBroker is the subscriber side of the pub/sub layer.
type EventBroker interface {
	EventPublisher
	Subscribe(ctx context.Context, sessionID string) (*pubsub.Subscriber, error)
	Unsubscribe(sub *pubsub.Subscriber)
}

type AppendMessageParams struct {
	SessionID      string
	Role           model.MessageRole
	Content        string
	FieldKey       *string
	FieldValue     *json.RawMessage
	AttachmentURL  *string
	AttachmentType *string
	Metadata       json.RawMessage
}

type MessageService struct {
	messageRepo repository.MessageRepository
	sessionRepo repository.SessionRepository
	broker      EventBroker
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	sessionRepo repository.SessionRepository,
	broker EventBroker,
) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		sessionRepo: sessionRepo,
		broker:      broker,
	}
}

// Append stores a message on an in-progress session and publishes it. The
// session check and the insert happen in one store operation.
func (s *MessageService) Append(ctx context.Context, params AppendMessageParams) (*model.Message, error) {
	if params.SessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	if !params.Role.Valid() {
		return nil, apperrors.InvalidInput("role", "must be agent or visitor")
	}
	if params.Content == "" && (params.AttachmentURL == nil || *params.AttachmentURL == "") {
		return nil, apperrors.ValidationError("Message content or attachment is required")
	}

	msg, err := s.messageRepo.CreateIfSessionActive(ctx, model.CreateMessageParams{
		SessionID:      params.SessionID,
		Role:           params.Role,
		Content:        params.Content,
		FieldKey:       params.FieldKey,
		FieldValue:     params.FieldValue,
		AttachmentURL:  params.AttachmentURL,
		AttachmentType: params.AttachmentType,
		Metadata:       params.Metadata,
	})
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if msg == nil {
		return nil, s.closedOrMissing(ctx, params.SessionID)
	}

	log.Debug().
		Str("sessionId", msg.SessionID).
		Str("messageId", msg.ID).
		Int64("seq", msg.Seq).
		Str("role", string(msg.Role)).
		Msg("message appended")

	if err := s.broker.Publish(ctx, msg.SessionID, pubsub.Event{
		Type: pubsub.EventMessage,
		Data: msg.ToEventData(),
	}); err != nil {
		// Subscribers recover the message through replay.
		log.Warn().Err(err).Str("sessionId", msg.SessionID).Str("messageId", msg.ID).Msg("failed to publish message")
	}

	return msg, nil
}

// List returns the session's messages oldest first.
func (s *MessageService) List(ctx context.Context, sessionID string) ([]model.Message, error) {
	return s.ListAfter(ctx, sessionID, 0)
}

func (s *MessageService) ListAfter(ctx context.Context, sessionID string, afterSeq int64) ([]model.Message, error) {
	if _, err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.messageRepo.FindBySessionID(ctx, sessionID, afterSeq, 0)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// Subscribe streams the session's messages with seq greater than afterSeq
// to onMessage, replaying stored ones first and then following live events.
// Delivery is ordered and at-least-once at the transport; the subscription
// drops duplicates by message id. A terminal session ends the subscription
// after the replay. onMessage runs on a single goroutine; returning an error
// ends the subscription.
func (s *MessageService) Subscribe(
	ctx context.Context,
	sessionID string,
	afterSeq int64,
	onMessage func(model.Message) error,
) (*Subscription, error) {
	if _, err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// Register before replaying so nothing appended in between is lost.
	sub, err := s.broker.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	subscription := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(subscription.done)
		defer s.broker.Unsubscribe(sub)
		subscription.setErr(s.stream(runCtx, sub, afterSeq, onMessage))
	}()

	return subscription, nil
}

func (s *MessageService) stream(
	ctx context.Context,
	sub *pubsub.Subscriber,
	afterSeq int64,
	onMessage func(model.Message) error,
) error {
	seen := make(map[string]struct{})
	deliver := func(msg model.Message) error {
		if _, dup := seen[msg.ID]; dup {
			return nil
		}
		seen[msg.ID] = struct{}{}
		return onMessage(msg)
	}
	deliverEvent := func(ev pubsub.Event) error {
		if ev.Type != pubsub.EventMessage {
			return nil
		}
		var msg model.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			log.Error().Err(err).Str("sessionId", sub.SessionID).Msg("failed to decode message event")
			return nil
		}
		return deliver(msg)
	}
	drain := func() error {
		for {
			select {
			case ev := <-sub.Events:
				if err := deliverEvent(ev); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}

	replay, err := s.messageRepo.FindBySessionID(ctx, sub.SessionID, afterSeq, 0)
	if err != nil {
		return apperrors.Storage(err)
	}
	for _, msg := range replay {
		if err := deliver(msg); err != nil {
			return err
		}
	}

	session, err := s.requireSession(ctx, sub.SessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		if err := drain(); err != nil {
			return err
		}
		return pubsub.ErrSessionClosed
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sub.Done:
			if err := drain(); err != nil {
				return err
			}
			return sub.Err()

		case ev := <-sub.Events:
			if err := deliverEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (s *MessageService) requireSession(ctx context.Context, sessionID string) (*model.Session, error) {
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

func (s *MessageService) closedOrMissing(ctx context.Context, sessionID string) error {
	session, err := s.requireSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return apperrors.SessionClosed(string(session.Status))
}

// Subscription is a running message stream.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Unsubscribe stops the stream. It does not wait for the delivery goroutine.
func (s *Subscription) Unsubscribe() {
	s.cancel()
}

// Done is closed once the stream has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended: pubsub.ErrSessionClosed once the
// session reached a terminal state, pubsub.ErrSlowSubscriber when the
// client fell behind, or the error returned by the callback.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
