package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/batch"
	"github.com/shaiso/Outreach/internal/domain"
)

const defaultListLimit = 50

// ListBatches возвращает батчи владельца.
// GET /api/v1/batches?owner_id=...&limit=...
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if HandleError(w, h.logger, err, "") {
		return
	}

	batches, err := h.batches.ListBatches(r.Context(), r.URL.Query().Get("owner_id"), limit)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]BatchResponse, len(batches))
	for i, b := range batches {
		result[i] = BatchFromDomain(b)
	}
	List(w, result, len(result))
}

// CreateBatch ранжирует получателей и создаёт черновик батча.
// POST /api/v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	in := batch.CreateRequest{
		OwnerID:    req.OwnerID,
		Name:       req.Name,
		Requester:  req.Requester,
		Candidates: req.Recipients,
	}
	if req.Policy != nil {
		spec := req.Policy.ToSpec()
		in.Policy = &spec
	}

	b, err := h.batches.CreateBatch(r.Context(), in)
	if HandleError(w, h.logger, err, "") {
		return
	}
	Created(w, BatchFromDomain(b))
}

// GetBatch возвращает батч со счётчиками.
// GET /api/v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	b, err := h.batches.GetBatchStatus(r.Context(), id)
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}
	Success(w, BatchFromDomain(b))
}

// UpdateBatch меняет имя или политику батча.
// PATCH /api/v1/batches/{id}
func (h *Handler) UpdateBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	patch := domain.BatchPatch{Name: req.Name}
	if req.Policy != nil {
		spec := req.Policy.ToSpec()
		patch.Policy = &spec
	}

	b, err := h.batches.UpdateBatch(r.Context(), id, patch)
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}
	Success(w, BatchFromDomain(b))
}

// DeleteBatch удаляет батч с сообщениями.
// DELETE /api/v1/batches/{id}?owner_id=...
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.batches.DeleteBatch(r.Context(), id, r.URL.Query().Get("owner_id"))
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}
	NoContent(w)
}

// SubmitBatch отправляет батч на проверку.
// POST /api/v1/batches/{id}/submit
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	b, err := h.batches.SubmitForApproval(r.Context(), id)
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}
	Success(w, BatchFromDomain(b))
}

// ApproveBatch одобряет батч целиком или выбранные сообщения.
// POST /api/v1/batches/{id}/approve
func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req ApproveBatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	b, err := h.batches.ApproveBatch(r.Context(), id, req.MessageIDs)
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}
	Success(w, BatchFromDomain(b))
}

// CancelBatch отменяет батч.
// POST /api/v1/batches/{id}/cancel?owner_id=...
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	b, err := h.batches.CancelBatch(r.Context(), id, r.URL.Query().Get("owner_id"))
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}
	Success(w, BatchFromDomain(b))
}

// ListBatchMessages возвращает сообщения батча.
// GET /api/v1/batches/{id}/messages?status=...&limit=...&offset=...
func (h *Handler) ListBatchMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if HandleError(w, h.logger, err, "") {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if HandleError(w, h.logger, err, "") {
		return
	}

	msgs, err := h.batches.ListMessages(r.Context(), id, r.URL.Query().Get("status"), limit, offset)
	if HandleError(w, h.logger, err, "batch not found") {
		return
	}

	result := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		result[i] = MessageFromDomain(m, false)
	}
	List(w, result, len(result))
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
