package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/pubsub"
)

type sseEvent struct {
	ID   string
	Type string
	Data string
}

func readSSE(t *testing.T, r *bufio.Reader) (sseEvent, error) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.Type != "" {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsHandler_Stream(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent("agent_42", requiredField("name", model.FieldTypeText, 1))
	sessionID := env.openSession(t, "agent_42", "fp_1")

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/"+sessionID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	ev, err := readSSE(t, reader)
	require.NoError(t, err)
	assert.Equal(t, EventConnected, ev.Type)

	var seqs []string
	for _, want := range []string{"Welcome!", "What is your name?"} {
		ev, err = readSSE(t, reader)
		require.NoError(t, err)
		require.Equal(t, pubsub.EventMessage, ev.Type)
		var msg model.Message
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))
		assert.Equal(t, want, msg.Content)
		seqs = append(seqs, ev.ID)
	}
	assert.NotEqual(t, seqs[0], seqs[1])

	rec := env.do(t, http.MethodPost, "/v1/admin/sessions/"+sessionID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ev, err = readSSE(t, reader)
	require.NoError(t, err)
	assert.Equal(t, pubsub.EventSessionClosed, ev.Type)
	assert.Contains(t, ev.Data, `"status":"completed"`)

	_, err = readSSE(t, reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventsHandler_ResumesFromLastEventID(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent("agent_42", requiredField("name", model.FieldTypeText, 1))
	sessionID := env.openSession(t, "agent_42", "fp_1")

	sent, err := env.conversation.HandleVisitorMessage(t.Context(), visitorText(sessionID, "hello"))
	require.NoError(t, err)
	env.conversation.Wait()

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/"+sessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", itoaSeq(sent.Message.Seq-1))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	ev, err := readSSE(t, reader)
	require.NoError(t, err)
	require.Equal(t, EventConnected, ev.Type)

	ev, err = readSSE(t, reader)
	require.NoError(t, err)
	var msg model.Message
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, itoaSeq(sent.Message.Seq), ev.ID)
}

func TestEventsHandler_Errors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown session is 404", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/sessions/missing/events", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad cursor is 400", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/sessions/missing/events?after=x", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	t.Run("writes id, event and data lines", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()

		event := pubsub.Event{
			Type: "message",
			Data: json.RawMessage(`{"content": "hello"}`),
		}

		err := handler.sendRawEvent(rec, rec, "7", event)

		assert.NoError(t, err)
		assert.Equal(t, "id: 7\nevent: message\ndata: {\"content\": \"hello\"}\n\n", rec.Body.String())
	})

	t.Run("omits empty id", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()

		err := handler.sendEvent(rec, rec, "", EventConnected, map[string]string{"sessionId": "s-1"})

		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(rec.Body.String(), "event: connected\n"))
		assert.Contains(t, rec.Body.String(), "s-1")
	})
}

func TestWebSocketHandler_Stream(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent("agent_42", requiredField("name", model.FieldTypeText, 1))
	sessionID := env.openSession(t, "agent_42", "fp_1")

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sessionID + "/ws?after=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	type frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, EventConnected, f.Type)

	for _, want := range []string{"Welcome!", "What is your name?"} {
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		require.Equal(t, pubsub.EventMessage, f.Type)
		var msg model.Message
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.Equal(t, want, msg.Content)
	}

	rec := env.do(t, http.MethodPost, "/v1/admin/sessions/"+sessionID+"/abandon", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, pubsub.EventSessionClosed, f.Type)
	assert.Contains(t, string(f.Data), `"status":"abandoned"`)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestWebSocketHandler_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/sessions/missing/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
