package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/service"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame is the JSON envelope of every server frame.
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WebSocketHandler streams the same events as EventsHandler over a
// WebSocket. Client frames are ignored; messages are posted over HTTP.
type WebSocketHandler struct {
	messages       *service.MessageService
	sessions       *service.SessionService
	originPatterns []string
	heartbeat      time.Duration
}

func NewWebSocketHandler(messages *service.MessageService, sessions *service.SessionService, originPatterns []string) *WebSocketHandler {
	return &WebSocketHandler{
		messages:       messages,
		sessions:       sessions,
		originPatterns: originPatterns,
		heartbeat:      pubsub.HeartbeatInterval,
	}
}

// GET /v1/sessions/{sessionId}/ws?after=seq
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	after, err := ParseAfterSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to accept websocket")
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	feed, err := openFeed(ctx, h.messages, sessionID, after)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("websocket subscribe failed")
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer feed.Close()

	log.Info().
		Str("sessionId", sessionID).
		Int64("after", after).
		Msg("websocket connection established")

	if err := h.write(ctx, conn, EventConnected, map[string]any{
		"sessionId": session.ID,
		"status":    session.Status,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", sessionID).Msg("websocket closed by client")
			return

		case msg := <-feed.messages:
			if err := h.write(ctx, conn, pubsub.EventMessage, msg); err != nil {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("websocket write failed")
				return
			}

		case <-feed.sub.Done():
			h.end(ctx, conn, sessionID, feed.sub.Err())
			return

		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("websocket ping failed")
				return
			}
		}
	}
}

func (h *WebSocketHandler) end(ctx context.Context, conn *websocket.Conn, sessionID string, reason error) {
	switch {
	case errors.Is(reason, pubsub.ErrSessionClosed):
		session, err := h.sessions.Get(ctx, sessionID)
		if err == nil {
			_ = h.write(ctx, conn, pubsub.EventSessionClosed, session.SessionEventData())
		}
		conn.Close(websocket.StatusNormalClosure, "session closed")

	case errors.Is(reason, pubsub.ErrSlowSubscriber):
		log.Warn().Str("sessionId", sessionID).Msg("websocket client too slow, disconnecting")
		conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")

	default:
		conn.Close(websocket.StatusGoingAway, "stream ended")
	}
}

func (h *WebSocketHandler) write(ctx context.Context, conn *websocket.Conn, frameType string, data any) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, wsFrame{Type: frameType, Data: data})
}
