package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/service"
)

// AdminHandler exposes the operator and integration surface: explicit
// lifecycle transitions, agent-side messages and external validation.
type AdminHandler struct {
	sessions *service.SessionService
	messages *service.MessageService
	fields   *service.FieldService
	visitors *service.VisitorService
}

func NewAdminHandler(
	sessions *service.SessionService,
	messages *service.MessageService,
	fields *service.FieldService,
	visitors *service.VisitorService,
) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		messages: messages,
		fields:   fields,
		visitors: visitors,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Sessions
	r.Post("/sessions/{id}/complete", h.CompleteSession)
	r.Post("/sessions/{id}/abandon", h.AbandonSession)
	r.Post("/sessions/{id}/messages", h.AppendAgentMessage)

	// Fields
	r.Put("/sessions/{id}/fields/{fieldKey}", h.UpsertField)
	r.Post("/sessions/{id}/fields/{fieldKey}/validation", h.SetValidation)

	// Agents
	r.Get("/agents/{agentId}/sessions", h.ListAgentSessions)

	// Visitors
	r.Get("/visitors/{visitorId}", h.GetVisitor)

	return r
}

func (h *AdminHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *AdminHandler) AbandonSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Abandon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *AdminHandler) AppendAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content        string          `json:"content"`
		FieldKey       *string         `json:"fieldKey"`
		AttachmentURL  *string         `json:"attachmentUrl"`
		AttachmentType *string         `json:"attachmentType"`
		Metadata       json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.messages.Append(r.Context(), service.AppendMessageParams{
		SessionID:      chi.URLParam(r, "id"),
		Role:           model.MessageRoleAgent,
		Content:        req.Content,
		FieldKey:       req.FieldKey,
		AttachmentURL:  req.AttachmentURL,
		AttachmentType: req.AttachmentType,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *AdminHandler) UpsertField(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value     json.RawMessage        `json:"value"`
		Validated bool                   `json:"validated"`
		Errors    model.ValidationIssues `json:"errors"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Value) == 0 {
		writeError(w, apperrors.MissingRequired("value"))
		return
	}

	fv, err := h.fields.Upsert(r.Context(), service.UpsertFieldParams{
		SessionID: chi.URLParam(r, "id"),
		FieldKey:  chi.URLParam(r, "fieldKey"),
		Value:     req.Value,
		Validated: req.Validated,
		Errors:    req.Errors,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

func (h *AdminHandler) SetValidation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Validated *bool                  `json:"validated"`
		Errors    model.ValidationIssues `json:"errors"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Validated == nil {
		writeError(w, apperrors.MissingRequired("validated"))
		return
	}

	fv, err := h.fields.SetValidation(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "fieldKey"), *req.Validated, req.Errors)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

func (h *AdminHandler) ListAgentSessions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)

	page, err := h.sessions.ListByAgent(r.Context(), chi.URLParam(r, "agentId"), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  page.Sessions,
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// GetVisitor includes the decrypted address, which the public route never returns.
func (h *AdminHandler) GetVisitor(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorId")
	visitor, err := h.visitors.Get(r.Context(), visitorID)
	if err != nil {
		writeError(w, err)
		return
	}
	ip, err := h.visitors.ClientIP(r.Context(), visitorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"visitor":   visitor,
		"ipAddress": ip,
	})
}
