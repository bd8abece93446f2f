package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/service"
)

const (
	EventConnected = "connected"
	EventError     = "error"
)

// EventsHandler streams a session's messages as server-sent events. Each
// message event carries its seq as the event id so a reconnecting client
// resumes through Last-Event-ID.
type EventsHandler struct {
	messages  *service.MessageService
	sessions  *service.SessionService
	heartbeat time.Duration
}

func NewEventsHandler(messages *service.MessageService, sessions *service.SessionService) *EventsHandler {
	return &EventsHandler{
		messages:  messages,
		sessions:  sessions,
		heartbeat: pubsub.HeartbeatInterval,
	}
}

// GET /v1/sessions/{sessionId}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	after, err := ParseAfterSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	ctx := r.Context()
	session, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	feed, err := openFeed(ctx, h.messages, sessionID, after)
	if err != nil {
		writeError(w, err)
		return
	}
	defer feed.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("sessionId", sessionID).
		Int64("after", after).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "", EventConnected, map[string]any{
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
			log.Info().
				Str("sessionId", sessionID).
				Msg("sse connection closed by client")
			return

		case msg := <-feed.messages:
			if err := h.sendEvent(w, flusher, strconv.FormatInt(msg.Seq, 10), pubsub.EventMessage, msg); err != nil {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("failed to send event")
				return
			}

		case <-feed.sub.Done():
			h.sendEnd(w, flusher, sessionID, feed.sub.Err())
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("sessionId", sessionID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// sendEnd tells the client why the stream stopped.
func (h *EventsHandler) sendEnd(w http.ResponseWriter, flusher http.Flusher, sessionID string, reason error) {
	switch {
	case errors.Is(reason, pubsub.ErrSessionClosed):
		session, err := h.sessions.Get(context.Background(), sessionID)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to load closed session")
			return
		}
		_ = h.sendRawEvent(w, flusher, "", pubsub.Event{Type: pubsub.EventSessionClosed, Data: session.SessionEventData()})

	case errors.Is(reason, pubsub.ErrSlowSubscriber):
		log.Warn().Str("sessionId", sessionID).Msg("sse client too slow, disconnecting")
		_ = h.sendEvent(w, flusher, "", EventError, map[string]string{
			"code":    "SLOW_SUBSCRIBER",
			"message": "Reconnect with the last received event id",
		})

	default:
		log.Info().Err(reason).Str("sessionId", sessionID).Msg("sse stream ended")
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, id, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, id, pubsub.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, id string, event pubsub.Event) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
