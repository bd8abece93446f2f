package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/agentforms/formchat/internal/model"
)

// AgentRepository is a read-only view of the agent catalog.
type AgentRepository interface {
	FindByID(ctx context.Context, id string) (*model.Agent, error)
	FindPublishedByPublicURL(ctx context.Context, publicURL string) (*model.Agent, error)
}

type agentRepo struct {
	db *sqlx.DB
}

func NewAgentRepository(db *sqlx.DB) AgentRepository {
	return &agentRepo{db: db}
}

func (r *agentRepo) FindByID(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	err := r.db.GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = $1`, id)
	return HandleNotFound(&agent, err)
}

func (r *agentRepo) FindPublishedByPublicURL(ctx context.Context, publicURL string) (*model.Agent, error) {
	var agent model.Agent
	err := r.db.GetContext(ctx, &agent, `
		SELECT * FROM agents
		WHERE public_url = $1 AND published = TRUE AND status = 'active'
	`, publicURL)
	return HandleNotFound(&agent, err)
}
