package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/lock"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
)

func TestFieldService_ProgressFollowsValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedAgent("agent_42",
		requiredField("name", model.FieldTypeText, 1),
		requiredField("email", model.FieldTypeEmail, 2),
		model.Field{Key: "note", Type: model.FieldTypeText, Order: 3},
	)
	session := f.openSession(t, "agent_42", "fp_1")

	progress, err := f.fields.SessionProgress(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Progress{TotalCount: 2, RemainingFieldKeys: []string{"name", "email"}}, progress)

	_, err = f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "name", Value: jsonString("Ada")})
	require.NoError(t, err)
	progress, err = f.fields.SessionProgress(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, progress.CompletedCount, "unvalidated values do not count")

	_, err = f.fields.SetValidation(ctx, session.ID, "name", true, nil)
	require.NoError(t, err)
	progress, err = f.fields.SessionProgress(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.CompletedCount)
	assert.Equal(t, []string{"email"}, progress.RemainingFieldKeys)

	// A new value replaces the validated one and must be checked again.
	fv, err := f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "name", Value: jsonString("Ada L.")})
	require.NoError(t, err)
	assert.False(t, fv.Validated)
	progress, err = f.fields.SessionProgress(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, progress.CompletedCount)
	assert.Equal(t, []string{"name", "email"}, progress.RemainingFieldKeys)
}

func TestFieldService_SetValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("records issues on rejection and clears them on success", func(t *testing.T) {
		f := newFixture(t)
		f.seedAgent("agent_42", requiredField("email", model.FieldTypeEmail, 1), requiredField("name", model.FieldTypeText, 2))
		session := f.openSession(t, "agent_42", "fp_1")

		_, err := f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "email", Value: jsonString("nope")})
		require.NoError(t, err)

		issues := model.ValidationIssues{{Code: IssueInvalidEmail, Message: "Enter a valid email address"}}
		fv, err := f.fields.SetValidation(ctx, session.ID, "email", false, issues)
		require.NoError(t, err)
		assert.False(t, fv.Validated)
		assert.Equal(t, issues, fv.ValidationErrors)

		fv, err = f.fields.SetValidation(ctx, session.ID, "email", true, issues)
		require.NoError(t, err)
		assert.True(t, fv.Validated)
		assert.Empty(t, fv.ValidationErrors)
	})

	t.Run("missing value is not found", func(t *testing.T) {
		f := newFixture(t)
		f.seedAgent("agent_42", requiredField("email", model.FieldTypeEmail, 1))
		session := f.openSession(t, "agent_42", "fp_1")

		_, err := f.fields.SetValidation(ctx, session.ID, "email", true, nil)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	})

	t.Run("closed session refuses writes", func(t *testing.T) {
		f := newFixture(t)
		f.seedAgent("agent_42", requiredField("email", model.FieldTypeEmail, 1))
		session := f.openSession(t, "agent_42", "fp_1")
		_, err := f.sessions.Abandon(ctx, session.ID)
		require.NoError(t, err)

		_, err = f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "email", Value: jsonString("a@b.co")})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionClosed))

		_, err = f.fields.SetValidation(ctx, session.ID, "email", true, nil)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionClosed))
	})

	t.Run("field key is required", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.fields.Upsert(ctx, UpsertFieldParams{SessionID: "s", Value: jsonString("x")})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestFieldService_CompletesOnLastRequiredField(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedAgent("agent_42",
		requiredField("email", model.FieldTypeEmail, 1),
		model.Field{Key: "note", Type: model.FieldTypeText, Order: 2},
	)
	session := f.openSession(t, "agent_42", "fp_1")

	_, err := f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "email", Value: jsonString("a@b.co"), Validated: true})
	require.NoError(t, err)

	got, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"email":"a@b.co"}`, string(got.CollectedData))
	assert.Equal(t, int32(1), f.broker.closed.Load())
}

func TestFieldService_ConcurrentValidationCompletesOnce(t *testing.T) {
	ctx := context.Background()

	for range 20 {
		f := newFixture(t)
		f.seedAgent("agent_42",
			requiredField("a", model.FieldTypeText, 1),
			requiredField("b", model.FieldTypeText, 2),
		)
		session := f.openSession(t, "agent_42", "fp_1")

		for _, key := range []string{"a", "b"} {
			_, err := f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: key, Value: jsonString(key)})
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.fields.SetValidation(ctx, session.ID, key, true, nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := f.sessions.Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusCompleted, got.Status)
		assert.Equal(t, int32(1), f.broker.closed.Load())
	}
}

func TestFieldService_NoRequiredFieldsNeverAutoCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedAgent("agent_42", model.Field{Key: "note", Type: model.FieldTypeText, Order: 1})
	session := f.openSession(t, "agent_42", "fp_1")

	_, err := f.fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "note", Value: jsonString("hi"), Validated: true})
	require.NoError(t, err)

	_, completed, err := f.orchestrator.Evaluate(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, completed)

	got, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, got.Status)
	assert.Zero(t, f.broker.closed.Load())
}

func TestCompletionOrchestrator_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("completes when every required field is validated", func(t *testing.T) {
		f := newFixture(t)
		f.seedAgent("agent_42", requiredField("email", model.FieldTypeEmail, 1))
		session := f.openSession(t, "agent_42", "fp_1")

		// Written straight to the store so no evaluation has run yet.
		_, err := f.store.FieldValues().Upsert(ctx, model.UpsertFieldValueParams{
			SessionID: session.ID,
			FieldKey:  "email",
			Value:     jsonString("a@b.co"),
			Validated: true,
		})
		require.NoError(t, err)

		got, completed, err := f.orchestrator.Evaluate(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, completed)
		assert.Equal(t, model.SessionStatusCompleted, got.Status)

		_, completed, err = f.orchestrator.Evaluate(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, completed)
		assert.Equal(t, int32(1), f.broker.closed.Load())
	})

	t.Run("leaves incomplete sessions open", func(t *testing.T) {
		f := newFixture(t)
		f.seedAgent("agent_42", requiredField("email", model.FieldTypeEmail, 1))
		session := f.openSession(t, "agent_42", "fp_1")

		got, completed, err := f.orchestrator.Evaluate(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, completed)
		assert.Equal(t, model.SessionStatusInProgress, got.Status)
	})
}

// failingCompleteRepo fails the next n MarkCompleted calls.
type failingCompleteRepo struct {
	repository.SessionRepository
	n atomic.Int32
}

func (r *failingCompleteRepo) MarkCompleted(ctx context.Context, id string, data json.RawMessage, at time.Time) (*model.Session, error) {
	if r.n.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return r.SessionRepository.MarkCompleted(ctx, id, data, at)
}

func TestFieldService_WriteSurvivesFailedCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedAgent("agent_42", requiredField("name", model.FieldTypeText, 1))
	session := f.openSession(t, "agent_42", "fp_1")

	repo := &failingCompleteRepo{SessionRepository: f.store.Sessions()}
	repo.n.Store(1)
	sessions := NewSessionService(repo, f.store.Visitors(), f.store.Agents(), f.store.FieldValues(), lock.NewLocalLocker(), f.broker)
	orchestrator := NewCompletionOrchestrator(f.store.FieldValues(), f.store.Agents(), sessions)
	fields := NewFieldService(f.store.FieldValues(), repo, f.store.Agents(), sessions, orchestrator)

	fv, err := fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "name", Value: jsonString("Ada"), Validated: true})
	require.NoError(t, err, "the value is stored even though completion failed")
	require.NotNil(t, fv)
	assert.True(t, fv.Validated)

	current, err := sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, current.Status)

	completed, err := fields.EvaluateCompletion(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, completed)

	current, err = sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, current.Status)

	completed, err = fields.EvaluateCompletion(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, completed, "second evaluation is a no-op")
}

func TestConversation_RespondRetriesCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedAgent("agent_42", requiredField("name", model.FieldTypeText, 1))
	session := f.openSession(t, "agent_42", "fp_1")

	repo := &failingCompleteRepo{SessionRepository: f.store.Sessions()}
	repo.n.Store(1)
	sessions := NewSessionService(repo, f.store.Visitors(), f.store.Agents(), f.store.FieldValues(), lock.NewLocalLocker(), f.broker)
	orchestrator := NewCompletionOrchestrator(f.store.FieldValues(), f.store.Agents(), sessions)
	fields := NewFieldService(f.store.FieldValues(), repo, f.store.Agents(), sessions, orchestrator)
	conversation := NewConversationService(f.agents, sessions, f.messages, fields, NewFieldValidator(), NewPromptResponder(), time.Second)

	_, err := fields.Upsert(ctx, UpsertFieldParams{SessionID: session.ID, FieldKey: "name", Value: jsonString("Ada"), Validated: true})
	require.NoError(t, err)

	msg, err := conversation.respond(ctx, session.ID, "", nil)
	require.NoError(t, err)
	assert.Nil(t, msg, "no agent message follows completion")

	current, err := sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, current.Status)
}
