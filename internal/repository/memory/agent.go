package memory

import (
	"context"

	"github.com/agentforms/formchat/internal/model"
)

type agentRepo struct {
	s *Store
}

func (r *agentRepo) FindByID(_ context.Context, id string) (*model.Agent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	agent, ok := r.s.agents[id]
	if !ok {
		return nil, nil
	}
	return &agent, nil
}

func (r *agentRepo) FindPublishedByPublicURL(_ context.Context, publicURL string) (*model.Agent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, agent := range r.s.agents {
		if agent.PublicURL != nil && *agent.PublicURL == publicURL && agent.IsAvailable() {
			return &agent, nil
		}
	}
	return nil, nil
}
