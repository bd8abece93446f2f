package pubsub

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/agentforms/formchat/internal/redis"
)

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroker_LocalFanOut(t *testing.T) {
	b := NewBroker(nil, 10)
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "sess-2")
	require.NoError(t, err)

	assert.Equal(t, 2, b.ClientCount("sess-1"))
	assert.Equal(t, 3, b.TotalClients())

	require.NoError(t, b.Publish(ctx, "sess-1", Event{Type: EventMessage, Data: json.RawMessage(`{"id":"m1"}`)}))

	assert.Equal(t, EventMessage, receive(t, s1).Type)
	assert.Equal(t, EventMessage, receive(t, s2).Type)
	assert.Empty(t, other.Events)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(nil, 10)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.ClientCount("sess-1"))

	select {
	case <-sub.Done:
	default:
		t.Fatal("done channel should be closed")
	}
	assert.NoError(t, sub.Err())

	// Second call is harmless.
	b.Unsubscribe(sub)
}

func TestBroker_OverflowDisconnects(t *testing.T) {
	b := NewBroker(nil, 2)
	defer b.Close()
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "sess-1", Event{Type: EventMessage}))
	}

	<-slow.Done
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.Equal(t, 0, b.ClientCount("sess-1"))
	assert.Len(t, slow.Events, 2)
}

func TestBroker_SessionClosedEndsSubscriptions(t *testing.T) {
	b := NewBroker(nil, 10)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, b.CloseSession(ctx, "sess-1", json.RawMessage(`{"status":"completed"}`)))

	<-sub.Done
	assert.ErrorIs(t, sub.Err(), ErrSessionClosed)
	ev := receive(t, sub)
	assert.Equal(t, EventSessionClosed, ev.Type)
	assert.Equal(t, 0, b.ClientCount("sess-1"))
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(nil, 10)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	b.Close()
	<-sub.Done
	assert.ErrorIs(t, sub.Err(), ErrBrokerClosed)

	_, err = b.Subscribe(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

// silentRedis accepts connections and never writes a reply.
func silentRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})

	client := goredis.NewClient(&goredis.Options{
		Addr:       ln.Addr().String(),
		Protocol:   2,
		MaxRetries: -1,
	})
	t.Cleanup(func() { client.Close() })
	return &redisclient.Client{Client: client}
}

func TestBroker_PendingSubscribeDoesNotBlockOtherSessions(t *testing.T) {
	b := NewBroker(silentRedis(t), 10)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ownerErr := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, "session-a")
		ownerErr <- err
	}()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.sessions["session-a"] != nil
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	assert.Equal(t, 0, b.ClientCount("session-b"))
	assert.Equal(t, 0, b.TotalClients())
	b.broadcast("session-b", Event{Type: EventMessage})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// A second subscriber of the pending session gives up with its own context.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	_, err := b.Subscribe(waitCtx, "session-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-ownerErr:
		require.Error(t, err)
	case <-time.After(SubscribeTimeout + 3*time.Second):
		t.Fatal("subscribe was not bounded by its context")
	}

	b.mu.RLock()
	_, pending := b.sessions["session-a"]
	b.mu.RUnlock()
	assert.False(t, pending, "failed subscription must not stay registered")
}

func TestBroker_WaiterSeesOwnerFailure(t *testing.T) {
	b := NewBroker(silentRedis(t), 10)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	ownerErr := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, "session-a")
		ownerErr <- err
	}()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.sessions["session-a"] != nil
	}, time.Second, 5*time.Millisecond)

	_, err := b.Subscribe(context.Background(), "session-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe session channel")
	require.Error(t, <-ownerErr)
}
