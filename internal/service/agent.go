package service

import (
	"context"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
)

// AgentCatalog is the read-only view of agent definitions.
type AgentCatalog struct {
	agentRepo repository.AgentRepository
}

func NewAgentCatalog(agentRepo repository.AgentRepository) *AgentCatalog {
	return &AgentCatalog{agentRepo: agentRepo}
}

func (c *AgentCatalog) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	if agentID == "" {
		return nil, apperrors.MissingRequired("agentId")
	}
	agent, err := c.agentRepo.FindByID(ctx, agentID)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if agent == nil {
		return nil, apperrors.NotFound("Agent")
	}
	return agent, nil
}

// GetPublished resolves a public URL to an agent that is published and active.
func (c *AgentCatalog) GetPublished(ctx context.Context, publicURL string) (*model.Agent, error) {
	if publicURL == "" {
		return nil, apperrors.MissingRequired("publicUrl")
	}
	agent, err := c.agentRepo.FindPublishedByPublicURL(ctx, publicURL)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	if agent == nil {
		return nil, apperrors.NotFound("Agent")
	}
	return agent, nil
}
