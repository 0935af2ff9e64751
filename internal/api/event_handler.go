package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Outreach/internal/batch"
)

// RecordEvent принимает tracking-событие по ключу сообщения.
// POST /api/v1/events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.TrackingKey == "" {
		BadRequest(w, "tracking_key is required")
		return
	}

	event, err := batch.ParseEvent(req.Event)
	if HandleError(w, h.logger, err, "") {
		return
	}

	m, err := h.batches.RecordEvent(r.Context(), req.TrackingKey, event, req.At)
	if HandleError(w, h.logger, err, "message not found") {
		return
	}
	Success(w, MessageFromDomain(m, false))
}
