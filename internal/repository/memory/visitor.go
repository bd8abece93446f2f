package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentforms/formchat/internal/model"
)

type visitorRepo struct {
	s *Store
}

func (r *visitorRepo) FindByID(_ context.Context, id string) (*model.Visitor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	v, ok := r.s.visitors[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (r *visitorRepo) FindByFingerprint(_ context.Context, fingerprint string) (*model.Visitor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.visitorByFingerprint[fingerprint]
	if !ok {
		return nil, nil
	}
	v := r.s.visitors[id]
	return &v, nil
}

func (r *visitorRepo) CreateIfAbsent(_ context.Context, params model.CreateVisitorParams) (*model.Visitor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if params.Fingerprint != nil {
		if id, ok := r.s.visitorByFingerprint[*params.Fingerprint]; ok {
			v := r.s.visitors[id]
			return &v, nil
		}
	}

	ts := r.s.now()
	v := model.Visitor{
		ID:          uuid.NewString(),
		Fingerprint: params.Fingerprint,
		IPAddress:   params.IPAddress,
		UserAgent:   params.UserAgent,
		Referrer:    params.Referrer,
		Metadata:    rawOrDefault(params.Metadata, "{}"),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	r.s.visitors[v.ID] = v
	if v.Fingerprint != nil {
		r.s.visitorByFingerprint[*v.Fingerprint] = v.ID
	}
	return &v, nil
}

func (r *visitorRepo) UpdateConsent(_ context.Context, params model.UpdateConsentParams) (*model.Visitor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	v, ok := r.s.visitors[params.VisitorID]
	if !ok {
		return nil, nil
	}
	v.ConsentGiven = params.Given
	v.ConsentTimestamp = params.Timestamp
	v.ConsentVersion = params.Version
	v.UpdatedAt = r.s.now()
	r.s.visitors[v.ID] = v
	return &v, nil
}

func (r *visitorRepo) UpdateMetadata(_ context.Context, params model.UpdateMetadataParams) (*model.Visitor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	v, ok := r.s.visitors[params.VisitorID]
	if !ok {
		return nil, nil
	}
	v.Metadata = rawOrDefault(params.Metadata, "{}")
	v.UpdatedAt = r.s.now()
	r.s.visitors[v.ID] = v
	return &v, nil
}
