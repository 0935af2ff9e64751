package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/content"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/matching"
)

// Policy DTO

// PolicyDTO — политика скорости в ответах API. Интервал в секундах.
type PolicyDTO struct {
	MaxPerHour         int `json:"max_per_hour"`
	MaxPerDay          int `json:"max_per_day"`
	MinIntervalSeconds int `json:"min_interval_seconds"`
}

// PolicyFromDomain конвертирует domain.RatePolicy в PolicyDTO.
func PolicyFromDomain(p domain.RatePolicy) PolicyDTO {
	return PolicyDTO{
		MaxPerHour:         p.MaxPerHour,
		MaxPerDay:          p.MaxPerDay,
		MinIntervalSeconds: int(p.MinInterval / time.Second),
	}
}

// PolicyRequest — политика во входящем запросе. Отсутствующее поле — значение
// по умолчанию (или текущее при PATCH); заданное проверяется как есть.
type PolicyRequest struct {
	MaxPerHour         *int `json:"max_per_hour,omitempty"`
	MaxPerDay          *int `json:"max_per_day,omitempty"`
	MinIntervalSeconds *int `json:"min_interval_seconds,omitempty"`
}

// ToSpec конвертирует PolicyRequest в domain.PolicySpec.
func (p PolicyRequest) ToSpec() domain.PolicySpec {
	spec := domain.PolicySpec{MaxPerHour: p.MaxPerHour, MaxPerDay: p.MaxPerDay}
	if p.MinIntervalSeconds != nil {
		d := time.Duration(*p.MinIntervalSeconds) * time.Second
		spec.MinInterval = &d
	}
	return spec
}

// Batch DTOs

// CreateBatchRequest — запрос на создание батча.
type CreateBatchRequest struct {
	OwnerID    string               `json:"owner_id"`
	Name       string               `json:"name"`
	Requester  content.Requester    `json:"requester"`
	Recipients []matching.Candidate `json:"recipients"`
	Policy     *PolicyRequest       `json:"policy,omitempty"`
}

// UpdateBatchRequest — запрос на обновление батча.
type UpdateBatchRequest struct {
	Name   *string        `json:"name,omitempty"`
	Policy *PolicyRequest `json:"policy,omitempty"`
}

// ApproveBatchRequest — запрос на одобрение. Пустой список — все сообщения.
type ApproveBatchRequest struct {
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`
}

// BatchResponse — ответ с батчем.
type BatchResponse struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Counters    domain.Counters `json:"counters"`
	Policy      PolicyDTO       `json:"policy"`
	MessageIDs  []uuid.UUID     `json:"message_ids,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// BatchFromDomain конвертирует domain.Batch в BatchResponse.
func BatchFromDomain(b *domain.Batch) BatchResponse {
	return BatchResponse{
		ID:          b.ID,
		OwnerID:     b.OwnerID,
		Name:        b.Name,
		Status:      string(b.Status),
		Counters:    b.Counters,
		Policy:      PolicyFromDomain(b.Policy),
		MessageIDs:  b.MessageIDs,
		CreatedAt:   b.CreatedAt,
		ApprovedAt:  b.ApprovedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}
}

// Message DTOs

// RegenerateRequest — запрос на перегенерацию письма.
type RegenerateRequest struct {
	Requester content.Requester `json:"requester"`
	Interests []string          `json:"interests,omitempty"`
}

// MessageResponse — ответ с сообщением.
type MessageResponse struct {
	ID                uuid.UUID           `json:"id"`
	BatchID           uuid.UUID           `json:"batch_id"`
	Recipient         domain.Recipient    `json:"recipient"`
	MatchScore        float64             `json:"match_score"`
	MatchReasons      []string            `json:"match_reasons,omitempty"`
	Subject           string              `json:"subject"`
	Body              string              `json:"body"`
	TrackingKey       string              `json:"tracking_key"`
	Status            string              `json:"status"`
	ScheduledTime     *time.Time          `json:"scheduled_time,omitempty"`
	SentAt            *time.Time          `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time          `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time          `json:"opened_at,omitempty"`
	RepliedAt         *time.Time          `json:"replied_at,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	MaxRetries        int                 `json:"max_retries"`
	LastError         *domain.ErrorInfo   `json:"last_error,omitempty"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	History           []domain.Transition `json:"history,omitempty"`
}

// MessageFromDomain конвертирует domain.Message в MessageResponse.
// Журнал переходов отдаётся только при detail.
func MessageFromDomain(m *domain.Message, detail bool) MessageResponse {
	resp := MessageResponse{
		ID:                m.ID,
		BatchID:           m.BatchID,
		Recipient:         m.Recipient,
		MatchScore:        m.MatchScore,
		MatchReasons:      m.MatchReasons,
		Subject:           m.Subject,
		Body:              m.Body,
		TrackingKey:       m.TrackingKey,
		Status:            string(m.Status),
		ScheduledTime:     m.ScheduledTime,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		OpenedAt:          m.OpenedAt,
		RepliedAt:         m.RepliedAt,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		LastError:         m.LastError,
		ProviderMessageID: m.ProviderMessageID,
	}
	if detail {
		resp.History = m.History
	}
	return resp
}

// Event DTOs

// EventRequest — tracking-событие.
type EventRequest struct {
	TrackingKey string    `json:"tracking_key"`
	Event       string    `json:"event"`
	At          time.Time `json:"at,omitempty"`
}
