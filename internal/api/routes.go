package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(),
		Observe(h.logger),
		Recovery(h.logger),
	)

	// Batches
	mux.Handle("GET /api/v1/batches", chain(http.HandlerFunc(h.ListBatches)))
	mux.Handle("POST /api/v1/batches", chain(http.HandlerFunc(h.CreateBatch)))
	mux.Handle("GET /api/v1/batches/{id}", chain(http.HandlerFunc(h.GetBatch)))
	mux.Handle("PATCH /api/v1/batches/{id}", chain(http.HandlerFunc(h.UpdateBatch)))
	mux.Handle("DELETE /api/v1/batches/{id}", chain(http.HandlerFunc(h.DeleteBatch)))
	mux.Handle("POST /api/v1/batches/{id}/submit", chain(http.HandlerFunc(h.SubmitBatch)))
	mux.Handle("POST /api/v1/batches/{id}/approve", chain(http.HandlerFunc(h.ApproveBatch)))
	mux.Handle("POST /api/v1/batches/{id}/cancel", chain(http.HandlerFunc(h.CancelBatch)))
	mux.Handle("GET /api/v1/batches/{id}/messages", chain(http.HandlerFunc(h.ListBatchMessages)))

	// Messages
	mux.Handle("GET /api/v1/messages/{id}", chain(http.HandlerFunc(h.GetMessage)))
	mux.Handle("PATCH /api/v1/messages/{id}", chain(http.HandlerFunc(h.UpdateMessage)))
	mux.Handle("POST /api/v1/messages/{id}/regenerate", chain(http.HandlerFunc(h.RegenerateMessage)))
	mux.Handle("POST /api/v1/messages/{id}/approve", chain(http.HandlerFunc(h.ApproveMessage)))
	mux.Handle("POST /api/v1/messages/{id}/cancel", chain(http.HandlerFunc(h.CancelMessage)))

	// Tracking
	mux.Handle("POST /api/v1/events", chain(http.HandlerFunc(h.RecordEvent)))
}
