package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentforms/formchat/internal/lock"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/repository/memory"
	"github.com/agentforms/formchat/internal/service"
)

type testEnv struct {
	store        *memory.Store
	visitors     *service.VisitorService
	sessions     *service.SessionService
	conversation *service.ConversationService
	router       chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewStore()
	broker := pubsub.NewBroker(nil, pubsub.DefaultBuffer)
	t.Cleanup(broker.Close)

	visitors := service.NewVisitorService(store.Visitors(), nil, "1.0")
	agents := service.NewAgentCatalog(store.Agents())
	sessions := service.NewSessionService(store.Sessions(), store.Visitors(), store.Agents(), store.FieldValues(), lock.NewLocalLocker(), broker)
	messages := service.NewMessageService(store.Messages(), store.Sessions(), broker)
	orchestrator := service.NewCompletionOrchestrator(store.FieldValues(), store.Agents(), sessions)
	fields := service.NewFieldService(store.FieldValues(), store.Sessions(), store.Agents(), sessions, orchestrator)
	conversation := service.NewConversationService(agents, sessions, messages, fields, service.NewFieldValidator(), service.NewPromptResponder(), 5*time.Second)
	t.Cleanup(conversation.Wait)

	r := chi.NewRouter()
	r.Mount("/v1/agents", NewAgentHandler(agents).Routes())
	r.Mount("/v1/visitors", NewVisitorHandler(visitors).Routes())
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/{sessionId}/events", NewEventsHandler(messages, sessions).ServeHTTP)
		r.Get("/{sessionId}/ws", NewWebSocketHandler(messages, sessions, nil).ServeHTTP)
		r.Mount("/", NewSessionHandler(conversation, sessions, messages, fields).Routes())
	})
	r.Mount("/v1/admin", NewAdminHandler(sessions, messages, fields, visitors).Routes())

	return &testEnv{
		store:        store,
		visitors:     visitors,
		sessions:     sessions,
		conversation: conversation,
		router:       r,
	}
}

func (e *testEnv) seedAgent(id string, fields ...model.Field) {
	publicURL := "form-" + id
	e.store.PutAgent(model.Agent{
		ID:        id,
		Name:      "Agent " + id,
		Schema:    model.AgentSchema{Fields: fields},
		Persona:   model.Persona{WelcomeMessage: "Welcome!"},
		Published: true,
		PublicURL: &publicURL,
		Status:    model.AgentStatusActive,
	})
}

func (e *testEnv) consentingVisitor(t *testing.T, fingerprint string) string {
	t.Helper()
	ctx := context.Background()
	visitor, err := e.visitors.Resolve(ctx, service.ResolveVisitorParams{Fingerprint: fingerprint})
	require.NoError(t, err)
	_, err = e.visitors.RecordConsent(ctx, visitor.ID, true, "")
	require.NoError(t, err)
	return visitor.ID
}

// openSession starts a session over HTTP and returns its id.
func (e *testEnv) openSession(t *testing.T, agentID, fingerprint string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/sessions", map[string]string{
		"agentId":   agentID,
		"visitorId": e.consentingVisitor(t, fingerprint),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Session model.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Session.ID
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requiredField(key string, fieldType model.FieldType, order int) model.Field {
	return model.Field{Key: key, Label: key, Type: fieldType, Required: true, Order: order}
}
