package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/agentforms/formchat/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	DefaultBuffer     = 100
	SubscribeTimeout  = 5 * time.Second
)

const (
	EventMessage       = "message"
	EventSessionClosed = "session_closed"
)

var (
	// ErrSlowSubscriber ends a subscription whose buffer overflowed. The
	// client is expected to resubscribe from its last seen seq.
	ErrSlowSubscriber = errors.New("subscriber buffer overflow")
	ErrSessionClosed  = errors.New("session closed")
	ErrBrokerClosed   = errors.New("broker closed")
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Subscriber struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}

	closeOnce sync.Once
	stopped   atomic.Bool
	reason    error
}

// Err reports why the subscription ended. It is nil while Done is open.
func (s *Subscriber) Err() error {
	select {
	case <-s.Done:
		return s.reason
	default:
		return nil
	}
}

func (s *Subscriber) stop(reason error) {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		s.reason = reason
		close(s.Done)
	})
}

type sessionSubscribers struct {
	clients map[*Subscriber]bool
	cancel  context.CancelFunc

	// ready is closed once the channel subscription is confirmed or has
	// failed; err is set before close on failure.
	ready chan struct{}
	err   error
}

// Broker fans session events out to local subscribers. With a Redis client
// events travel through one channel per session so every instance sees them;
// without one, Publish delivers locally.
type Broker struct {
	redis    *redisclient.Client
	buffer   int
	sessions map[string]*sessionSubscribers
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client, buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:    redisClient,
		buffer:   buffer,
		sessions: make(map[string]*sessionSubscribers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers a subscriber. When Redis is configured the first local
// subscriber of a session waits for the channel subscription to be confirmed,
// so events published after Subscribe returns are never missed. The Redis
// round-trip runs outside b.mu and is bounded by ctx and SubscribeTimeout;
// other subscribers of the same session wait on the pending entry.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (*Subscriber, error) {
	sub := &Subscriber{
		SessionID: sessionID,
		Events:    make(chan Event, b.buffer),
		Done:      make(chan struct{}),
	}

	for {
		b.mu.Lock()
		if b.ctx.Err() != nil {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		entry := b.sessions[sessionID]
		owner := false
		if entry == nil {
			entry = &sessionSubscribers{
				clients: make(map[*Subscriber]bool),
				cancel:  func() {},
				ready:   make(chan struct{}),
			}
			b.sessions[sessionID] = entry
			owner = true
			if b.redis == nil {
				close(entry.ready)
			}
		}
		b.mu.Unlock()

		if owner && b.redis != nil {
			if err := b.listen(ctx, sessionID, entry, sub); err != nil {
				return nil, err
			}
			return sub, nil
		}

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}

		b.mu.Lock()
		if b.sessions[sessionID] != entry {
			// The entry was torn down between ready and here; start over.
			b.mu.Unlock()
			continue
		}
		entry.clients[sub] = true
		b.logRegistered(sessionID, len(entry.clients))
		b.mu.Unlock()
		return sub, nil
	}
}

// listen confirms the Redis channel subscription for a pending entry and
// registers sub as its first client.
func (b *Broker) listen(ctx context.Context, sessionID string, entry *sessionSubscribers, sub *Subscriber) error {
	subCtx, subCancel := context.WithTimeout(ctx, SubscribeTimeout)
	defer subCancel()

	ps := b.redis.Subscribe(subCtx, redisclient.SessionChannel(sessionID))
	if _, err := ps.Receive(subCtx); err != nil {
		_ = ps.Close()
		return b.abandonPending(sessionID, entry, fmt.Errorf("subscribe session channel: %w", err))
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		_ = ps.Close()
		return b.abandonPending(sessionID, entry, ErrBrokerClosed)
	}
	sessCtx, cancel := context.WithCancel(b.ctx)
	entry.cancel = cancel
	entry.clients[sub] = true
	close(entry.ready)
	b.logRegistered(sessionID, len(entry.clients))
	b.mu.Unlock()

	go b.relay(sessCtx, sessionID, ps)
	return nil
}

// abandonPending drops a pending entry whose subscription failed and wakes
// its waiters with err.
func (b *Broker) abandonPending(sessionID string, entry *sessionSubscribers, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[sessionID] == entry {
		delete(b.sessions, sessionID)
	}
	entry.err = err
	close(entry.ready)
	return err
}

func (b *Broker) logRegistered(sessionID string, clientCount int) {
	log.Debug().
		Str("sessionId", sessionID).
		Int("clientCount", clientCount).
		Msg("subscriber registered")
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub, nil)
}

// removeLocked detaches sub and stops its session relay when it was the last
// local subscriber. Caller holds b.mu.
func (b *Broker) removeLocked(sub *Subscriber, reason error) {
	sub.stop(reason)

	entry, ok := b.sessions[sub.SessionID]
	if !ok || !entry.clients[sub] {
		return
	}
	delete(entry.clients, sub)
	if len(entry.clients) == 0 {
		entry.cancel()
		delete(b.sessions, sub.SessionID)
	}

	log.Debug().
		Str("sessionId", sub.SessionID).
		Int("clientCount", len(entry.clients)).
		AnErr("reason", reason).
		Msg("subscriber removed")
}

func (b *Broker) Publish(ctx context.Context, sessionID string, event Event) error {
	if b.redis == nil {
		b.broadcast(sessionID, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.SessionChannel(sessionID), data).Err()
}

// CloseSession publishes a session_closed event. Every instance delivers it
// and then ends the session's subscriptions.
func (b *Broker) CloseSession(ctx context.Context, sessionID string, data json.RawMessage) error {
	return b.Publish(ctx, sessionID, Event{Type: EventSessionClosed, Data: data})
}

func (b *Broker) relay(ctx context.Context, sessionID string, ps *goredis.PubSub) {
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(sessionID, event)
		}
	}
}

func (b *Broker) broadcast(sessionID string, event Event) {
	var overflowed []*Subscriber

	b.mu.RLock()
	entry := b.sessions[sessionID]
	if entry != nil {
		for sub := range entry.clients {
			if sub.stopped.Load() {
				continue
			}
			select {
			case sub.Events <- event:
			default:
				// Dropping would leave a gap; cut the subscriber loose instead.
				sub.stopped.Store(true)
				overflowed = append(overflowed, sub)
			}
		}
	}
	b.mu.RUnlock()

	if len(overflowed) == 0 && event.Type != EventSessionClosed {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range overflowed {
		log.Warn().
			Str("sessionId", sessionID).
			Msg("subscriber buffer full, disconnecting")
		b.removeLocked(sub, ErrSlowSubscriber)
	}

	if event.Type == EventSessionClosed {
		if entry := b.sessions[sessionID]; entry != nil {
			for sub := range entry.clients {
				b.removeLocked(sub, ErrSessionClosed)
			}
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.sessions {
		for sub := range entry.clients {
			sub.stop(ErrBrokerClosed)
		}
	}
	b.sessions = make(map[string]*sessionSubscribers)
}

func (b *Broker) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if entry := b.sessions[sessionID]; entry != nil {
		return len(entry.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, entry := range b.sessions {
		total += len(entry.clients)
	}
	return total
}
