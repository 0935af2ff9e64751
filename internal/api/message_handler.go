package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/matching"
)

// GetMessage возвращает сообщение с журналом переходов.
// GET /api/v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m, err := h.batches.GetMessage(r.Context(), id)
	if HandleError(w, h.logger, err, "message not found") {
		return
	}
	Success(w, MessageFromDomain(m, true))
}

// UpdateMessage правит тему или текст до одобрения.
// PATCH /api/v1/messages/{id}
func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var patch domain.MessagePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	m, err := h.batches.UpdateMessage(r.Context(), id, patch)
	if HandleError(w, h.logger, err, "message not found") {
		return
	}
	Success(w, MessageFromDomain(m, true))
}

// RegenerateMessage заново генерирует письмо.
// POST /api/v1/messages/{id}/regenerate
func (h *Handler) RegenerateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	var cand *matching.Candidate
	if len(req.Interests) > 0 {
		cand = &matching.Candidate{Interests: req.Interests}
	}

	m, err := h.batches.RegenerateMessage(r.Context(), id, req.Requester, cand)
	if HandleError(w, h.logger, err, "message not found") {
		return
	}
	Success(w, MessageFromDomain(m, true))
}

// ApproveMessage одобряет сообщение уже одобренного батча.
// POST /api/v1/messages/{id}/approve
func (h *Handler) ApproveMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m, err := h.batches.ApproveMessage(r.Context(), id)
	if HandleError(w, h.logger, err, "message not found") {
		return
	}
	Success(w, MessageFromDomain(m, true))
}

// CancelMessage исключает неодобренное сообщение из батча.
// POST /api/v1/messages/{id}/cancel
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m, err := h.batches.CancelMessage(r.Context(), id)
	if HandleError(w, h.logger, err, "message not found") {
		return
	}
	Success(w, MessageFromDomain(m, true))
}
