package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentforms/formchat/internal/service"
)

type AgentHandler struct {
	agents *service.AgentCatalog
}

func NewAgentHandler(agents *service.AgentCatalog) *AgentHandler {
	return &AgentHandler{agents: agents}
}

func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{publicUrl}", h.GetByPublicURL)
	return r
}

// GET /v1/agents/{publicUrl}
// Only published, active agents are visible.
func (h *AgentHandler) GetByPublicURL(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.GetPublished(r.Context(), chi.URLParam(r, "publicUrl"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
