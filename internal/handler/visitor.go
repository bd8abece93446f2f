package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/middleware"
	"github.com/agentforms/formchat/internal/service"
)

type VisitorHandler struct {
	visitors *service.VisitorService
}

func NewVisitorHandler(visitors *service.VisitorService) *VisitorHandler {
	return &VisitorHandler{visitors: visitors}
}

func (h *VisitorHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Resolve)
	r.Get("/{visitorId}", h.Get)
	r.Patch("/{visitorId}", h.UpdateMetadata)
	r.Post("/{visitorId}/consent", h.RecordConsent)

	return r
}

// POST /v1/visitors
func (h *VisitorHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string          `json:"fingerprint"`
		Referrer    string          `json:"referrer"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	referrer := req.Referrer
	if referrer == "" {
		referrer = r.Referer()
	}

	visitor, err := h.visitors.Resolve(r.Context(), service.ResolveVisitorParams{
		Fingerprint: req.Fingerprint,
		UserAgent:   r.UserAgent(),
		Referrer:    referrer,
		IPAddress:   middleware.ClientIP(r),
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, visitor)
}

// GET /v1/visitors/{visitorId}
func (h *VisitorHandler) Get(w http.ResponseWriter, r *http.Request) {
	visitor, err := h.visitors.Get(r.Context(), chi.URLParam(r, "visitorId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visitor)
}

// PATCH /v1/visitors/{visitorId}
func (h *VisitorHandler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	visitor, err := h.visitors.UpdateMetadata(r.Context(), chi.URLParam(r, "visitorId"), req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visitor)
}

// POST /v1/visitors/{visitorId}/consent
func (h *VisitorHandler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Granted *bool  `json:"granted"`
		Version string `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Granted == nil {
		writeError(w, apperrors.MissingRequired("granted"))
		return
	}

	visitor, err := h.visitors.RecordConsent(r.Context(), chi.URLParam(r, "visitorId"), *req.Granted, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visitor)
}
