package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentforms/formchat/internal/service"
)

type SessionHandler struct {
	conversation *service.ConversationService
	sessions     *service.SessionService
	messages     *service.MessageService
	fields       *service.FieldService
}

func NewSessionHandler(
	conversation *service.ConversationService,
	sessions *service.SessionService,
	messages *service.MessageService,
	fields *service.FieldService,
) *SessionHandler {
	return &SessionHandler{
		conversation: conversation,
		sessions:     sessions,
		messages:     messages,
		fields:       fields,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Open)
	r.Get("/{sessionId}", h.Get)
	r.Get("/{sessionId}/progress", h.Progress)
	r.Get("/{sessionId}/messages", h.ListMessages)
	r.Post("/{sessionId}/messages", h.PostMessage)
	r.Get("/{sessionId}/fields", h.ListFields)

	return r
}

// POST /v1/sessions
// Opens the session and returns it with the welcome and first prompt.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string          `json:"agentId"`
		VisitorID string          `json:"visitorId"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.conversation.Start(r.Context(), service.OpenSessionParams{
		AgentID:   req.AgentID,
		VisitorID: req.VisitorID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GET /v1/sessions/{sessionId}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GET /v1/sessions/{sessionId}/progress
func (h *SessionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.fields.SessionProgress(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// GET /v1/sessions/{sessionId}/messages?after=seq
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	after, err := ParseAfterSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.messages.ListAfter(r.Context(), chi.URLParam(r, "sessionId"), after)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"total": len(msgs),
	})
}

// POST /v1/sessions/{sessionId}/messages
// A visitor message. When it carries fieldKey the answer is recorded and
// validated before the response is written.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content        string           `json:"content"`
		FieldKey       *string          `json:"fieldKey"`
		FieldValue     *json.RawMessage `json:"fieldValue"`
		AttachmentURL  *string          `json:"attachmentUrl"`
		AttachmentType *string          `json:"attachmentType"`
		Metadata       json.RawMessage  `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.conversation.HandleVisitorMessage(r.Context(), service.VisitorMessageParams{
		SessionID:      chi.URLParam(r, "sessionId"),
		Content:        req.Content,
		FieldKey:       req.FieldKey,
		FieldValue:     req.FieldValue,
		AttachmentURL:  req.AttachmentURL,
		AttachmentType: req.AttachmentType,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GET /v1/sessions/{sessionId}/fields
func (h *SessionHandler) ListFields(w http.ResponseWriter, r *http.Request) {
	values, err := h.fields.List(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": values,
		"total": len(values),
	})
}
