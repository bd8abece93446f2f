package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforms/formchat/internal/lock"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/repository/memory"
)

// countingBroker counts session close publications on top of a local broker.
type countingBroker struct {
	*pubsub.Broker
	closed atomic.Int32
}

func (b *countingBroker) CloseSession(ctx context.Context, sessionID string, data json.RawMessage) error {
	b.closed.Add(1)
	return b.Broker.CloseSession(ctx, sessionID, data)
}

type fixture struct {
	store        *memory.Store
	broker       *countingBroker
	visitors     *VisitorService
	agents       *AgentCatalog
	sessions     *SessionService
	messages     *MessageService
	fields       *FieldService
	orchestrator *CompletionOrchestrator
	conversation *ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	broker := &countingBroker{Broker: pubsub.NewBroker(nil, 100)}
	t.Cleanup(broker.Close)

	locker := lock.NewLocalLocker()
	visitors := NewVisitorService(store.Visitors(), nil, "1.0")
	agents := NewAgentCatalog(store.Agents())
	sessions := NewSessionService(store.Sessions(), store.Visitors(), store.Agents(), store.FieldValues(), locker, broker)
	messages := NewMessageService(store.Messages(), store.Sessions(), broker)
	orchestrator := NewCompletionOrchestrator(store.FieldValues(), store.Agents(), sessions)
	fields := NewFieldService(store.FieldValues(), store.Sessions(), store.Agents(), sessions, orchestrator)
	conversation := NewConversationService(agents, sessions, messages, fields, NewFieldValidator(), NewPromptResponder(), 5*time.Second)
	t.Cleanup(conversation.Wait)

	return &fixture{
		store:        store,
		broker:       broker,
		visitors:     visitors,
		agents:       agents,
		sessions:     sessions,
		messages:     messages,
		fields:       fields,
		orchestrator: orchestrator,
		conversation: conversation,
	}
}

func (f *fixture) seedAgent(id string, fields ...model.Field) {
	publicURL := "form-" + id
	f.store.PutAgent(model.Agent{
		ID:        id,
		Name:      "Agent " + id,
		Schema:    model.AgentSchema{Fields: fields},
		Persona:   model.Persona{Tone: "friendly", WelcomeMessage: "Welcome!"},
		Published: true,
		PublicURL: &publicURL,
		Status:    model.AgentStatusActive,
	})
}

func (f *fixture) consentingVisitor(t *testing.T, fingerprint string) *model.Visitor {
	t.Helper()
	ctx := context.Background()
	visitor, err := f.visitors.Resolve(ctx, ResolveVisitorParams{Fingerprint: fingerprint})
	require.NoError(t, err)
	visitor, err = f.visitors.RecordConsent(ctx, visitor.ID, true, "")
	require.NoError(t, err)
	return visitor
}

func (f *fixture) openSession(t *testing.T, agentID, fingerprint string) *model.Session {
	t.Helper()
	visitor := f.consentingVisitor(t, fingerprint)
	session, err := f.sessions.Open(context.Background(), OpenSessionParams{AgentID: agentID, VisitorID: visitor.ID})
	require.NoError(t, err)
	return session
}

func requiredField(key string, fieldType model.FieldType, order int) model.Field {
	return model.Field{ID: "f-" + key, Key: key, Type: fieldType, Label: key, Required: true, Order: order}
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
