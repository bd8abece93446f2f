package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/agentforms/formchat/internal/model"
)

type fieldValueRepo struct {
	s *Store
}

func (r *fieldValueRepo) Upsert(_ context.Context, params model.UpsertFieldValueParams) (*model.FieldValue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	byKey := r.s.fieldValues[params.SessionID]
	if byKey == nil {
		byKey = make(map[string]model.FieldValue)
		r.s.fieldValues[params.SessionID] = byKey
	}

	ts := r.s.now()
	fv, exists := byKey[params.FieldKey]
	if !exists {
		fv = model.FieldValue{
			ID:          uuid.NewString(),
			SessionID:   params.SessionID,
			FieldKey:    params.FieldKey,
			CollectedAt: ts,
		}
	}
	fv.Value = rawOrDefault(params.Value, "null")
	fv.Validated = params.Validated
	fv.ValidationErrors = copyIssues(params.ValidationErrors)
	fv.UpdatedAt = ts
	byKey[params.FieldKey] = fv
	return &fv, nil
}

func (r *fieldValueRepo) UpdateValidation(_ context.Context, sessionID, fieldKey string, validated bool, issues model.ValidationIssues) (*model.FieldValue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	fv, ok := r.s.fieldValues[sessionID][fieldKey]
	if !ok {
		return nil, nil
	}
	fv.Validated = validated
	fv.ValidationErrors = copyIssues(issues)
	fv.UpdatedAt = r.s.now()
	r.s.fieldValues[sessionID][fieldKey] = fv
	return &fv, nil
}

func (r *fieldValueRepo) FindBySessionID(_ context.Context, sessionID string) ([]model.FieldValue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	values := make([]model.FieldValue, 0, len(r.s.fieldValues[sessionID]))
	for _, fv := range r.s.fieldValues[sessionID] {
		values = append(values, fv)
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].CollectedAt.Equal(values[j].CollectedAt) {
			return values[i].FieldKey < values[j].FieldKey
		}
		return values[i].CollectedAt.Before(values[j].CollectedAt)
	})
	return values, nil
}

func (r *fieldValueRepo) FindByKey(_ context.Context, sessionID, fieldKey string) (*model.FieldValue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	fv, ok := r.s.fieldValues[sessionID][fieldKey]
	if !ok {
		return nil, nil
	}
	return &fv, nil
}

func copyIssues(issues model.ValidationIssues) model.ValidationIssues {
	out := make(model.ValidationIssues, len(issues))
	copy(out, issues)
	return out
}
