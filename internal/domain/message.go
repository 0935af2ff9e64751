package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries — бюджет повторов по умолчанию.
const DefaultMaxRetries = 3

// Recipient — адресат сообщения.
type Recipient struct {
	// ID — идентификатор получателя во внешнем каталоге (стабильный ключ для ранжирования).
	ID string `json:"id"`

	// Address — адрес доставки (email).
	Address string `json:"address"`

	// Name — отображаемое имя.
	Name string `json:"name,omitempty"`

	// Timezone — IANA timezone получателя ("Europe/Berlin"). Пустая строка — UTC.
	Timezone string `json:"timezone,omitempty"`

	// Locale — языковая подсказка для генератора ("en", "de").
	Locale string `json:"locale,omitempty"`
}

// Domain возвращает домен адреса в нижнем регистре.
func (r Recipient) Domain() string {
	at := strings.LastIndexByte(r.Address, '@')
	if at < 0 {
		return strings.ToLower(r.Address)
	}
	return strings.ToLower(r.Address[at+1:])
}

// Transition — запись журнала переходов (append-only).
type Transition struct {
	From MessageStatus `json:"from"`
	To   MessageStatus `json:"to"`
	At   time.Time     `json:"at"`
	Note string        `json:"note,omitempty"`
}

// Message — одно персонализированное исходящее сообщение.
//
// Message принадлежит ровно одному батчу и удаляется вместе с ним.
// Все изменения статуса идут через методы ниже: они проверяют таблицу
// переходов и не меняют состояние при ошибке.
type Message struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// BatchID — батч-владелец.
	BatchID uuid.UUID `json:"batch_id"`

	// OwnerID — владелец батча (денормализовано для rolling-window запросов).
	OwnerID string `json:"owner_id"`

	// Recipient — адресат.
	Recipient Recipient `json:"recipient"`

	// MatchScore и MatchReasons — результат ранжирования (0..100).
	MatchScore   float64  `json:"match_score"`
	MatchReasons []string `json:"match_reasons,omitempty"`

	// Subject и Body — сгенерированный контент. Не меняется после одобрения.
	Subject string `json:"subject"`
	Body    string `json:"body"`

	// TrackingKey — ключ идемпотентности, общий для всех попыток.
	TrackingKey string `json:"tracking_key"`

	// Status — текущий статус.
	Status MessageStatus `json:"status"`

	// ScheduledTime — не раньше этого момента сообщение может быть отправлено.
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	RepliedAt   *time.Time `json:"replied_at,omitempty"`

	// RetryCount — сколько раз сообщение было возвращено в очередь после временной ошибки.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// LastError — последняя ошибка (kind + message).
	LastError *ErrorInfo `json:"last_error,omitempty"`

	// ClaimToken и ClaimExpiresAt — эксклюзивный захват воркером.
	ClaimToken     *uuid.UUID `json:"claim_token,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	// ProviderMessageID — идентификатор, выданный транспортом.
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	// History — журнал переходов.
	History []Transition `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasContent проверяет, что контент сгенерирован.
func (m *Message) HasContent() bool {
	return strings.TrimSpace(m.Subject) != "" && strings.TrimSpace(m.Body) != ""
}

// IsDue проверяет, можно ли отправлять сообщение в момент now.
func (m *Message) IsDue(now time.Time) bool {
	return m.Status == MessageStatusScheduled && m.ScheduledTime != nil && !m.ScheduledTime.After(now)
}

// ClaimExpired проверяет, истёк ли захват.
func (m *Message) ClaimExpired(now time.Time) bool {
	return m.Status == MessageStatusSending && m.ClaimExpiresAt != nil && m.ClaimExpiresAt.Before(now)
}

// Transition переводит сообщение в статус to.
//
// Проверяет таблицу переходов, проставляет временную метку статуса
// и добавляет запись в History. При ошибке сообщение не меняется.
func (m *Message) Transition(to MessageStatus, note string, now time.Time) error {
	if !CanTransition(m.Status, to) {
		return &TransitionError{From: m.Status, To: to}
	}

	from := m.Status
	m.Status = to
	m.UpdatedAt = now

	at := now
	switch to {
	case MessageStatusSent:
		m.SentAt = &at
	case MessageStatusDelivered:
		m.DeliveredAt = &at
	case MessageStatusOpened:
		m.OpenedAt = &at
	case MessageStatusReplied:
		m.RepliedAt = &at
	}

	if from == MessageStatusSending {
		m.ClaimToken = nil
		m.ClaimExpiresAt = nil
	}

	m.History = append(m.History, Transition{From: from, To: to, At: now, Note: note})
	return nil
}

// Approve одобряет сообщение. Сообщение без контента одобрить нельзя.
func (m *Message) Approve(now time.Time) error {
	if !m.HasContent() {
		return NewValidationError("content", "message %s has no generated content", m.ID)
	}
	return m.Transition(MessageStatusApproved, "approved", now)
}

// Schedule назначает время отправки.
func (m *Message) Schedule(at, now time.Time) error {
	if err := m.Transition(MessageStatusScheduled, "scheduled for "+at.UTC().Format(time.RFC3339), now); err != nil {
		return err
	}
	t := at
	m.ScheduledTime = &t
	return nil
}

// Claim захватывает сообщение для отправки.
func (m *Message) Claim(token uuid.UUID, expiresAt, now time.Time) error {
	if err := m.Transition(MessageStatusSending, "claimed", now); err != nil {
		return err
	}
	tok := token
	exp := expiresAt
	m.ClaimToken = &tok
	m.ClaimExpiresAt = &exp
	return nil
}

// MarkSent фиксирует успешную отправку.
func (m *Message) MarkSent(providerID string, now time.Time) error {
	if err := m.Transition(MessageStatusSent, "sent", now); err != nil {
		return err
	}
	m.ProviderMessageID = providerID
	m.LastError = nil
	return nil
}

// Retry обрабатывает временную ошибку отправки.
//
// Если бюджет не исчерпан — сообщение возвращается в SCHEDULED с новым
// scheduled_time и RetryCount++. Иначе — терминальный FAILED, RetryCount не меняется.
// Возвращает true, если повтор запланирован.
func (m *Message) Retry(at time.Time, cause *ErrorInfo, now time.Time) (bool, error) {
	if !m.CanRetry() {
		if err := m.Transition(MessageStatusFailed, "retry budget exhausted", now); err != nil {
			return false, err
		}
		m.LastError = cause
		return false, nil
	}

	if err := m.Transition(MessageStatusScheduled, "retry scheduled", now); err != nil {
		return false, err
	}
	t := at
	m.ScheduledTime = &t
	m.RetryCount++
	m.LastError = cause
	return true, nil
}

// Fail переводит сообщение в FAILED с причиной.
func (m *Message) Fail(cause *ErrorInfo, now time.Time) error {
	note := "failed"
	if cause != nil {
		note = string(cause.Kind)
	}
	if err := m.Transition(MessageStatusFailed, note, now); err != nil {
		return err
	}
	m.LastError = cause
	return nil
}

// Bounce переводит сообщение в BOUNCED.
func (m *Message) Bounce(cause *ErrorInfo, now time.Time) error {
	if err := m.Transition(MessageStatusBounced, "bounced", now); err != nil {
		return err
	}
	m.LastError = cause
	return nil
}

// Cancel отменяет сообщение.
func (m *Message) Cancel(note string, now time.Time) error {
	return m.Transition(MessageStatusCancelled, note, now)
}

// Reclaim возвращает сообщение с истёкшим захватом в SCHEDULED.
// Попытка не считается повтором: воркер мог упасть до вызова транспорта.
func (m *Message) Reclaim(now time.Time) error {
	if err := m.Transition(MessageStatusScheduled, "claim expired", now); err != nil {
		return err
	}
	m.LastError = &ErrorInfo{Kind: ErrorKindClaimExpired, Message: "worker claim expired"}
	return nil
}

// SetContent устанавливает контент. Допустимо только до одобрения.
func (m *Message) SetContent(subject, body string, now time.Time) error {
	if m.Status != MessageStatusDraft && m.Status != MessageStatusPendingApproval {
		return NewValidationError("content", "content is immutable in status %s", m.Status)
	}
	m.Subject = subject
	m.Body = body
	m.LastError = nil
	m.UpdatedAt = now
	return nil
}

// MessagePatch — поля сообщения, которые владелец может править до одобрения.
type MessagePatch struct {
	Subject *string `json:"subject,omitempty"`
	Body    *string `json:"body,omitempty"`
}

// Apply применяет патч через SetContent.
func (p MessagePatch) Apply(m *Message, now time.Time) error {
	subject, body := m.Subject, m.Body
	if p.Subject != nil {
		subject = strings.TrimSpace(*p.Subject)
		if subject == "" {
			return NewValidationError("subject", "must not be empty")
		}
	}
	if p.Body != nil {
		body = *p.Body
		if strings.TrimSpace(body) == "" {
			return NewValidationError("body", "must not be empty")
		}
	}
	return m.SetContent(subject, body, now)
}

// Clone возвращает глубокую копию сообщения.
func (m *Message) Clone() *Message {
	c := *m
	c.MatchReasons = append([]string(nil), m.MatchReasons...)
	c.History = append([]Transition(nil), m.History...)
	c.ScheduledTime = cloneTime(m.ScheduledTime)
	c.SentAt = cloneTime(m.SentAt)
	c.DeliveredAt = cloneTime(m.DeliveredAt)
	c.OpenedAt = cloneTime(m.OpenedAt)
	c.RepliedAt = cloneTime(m.RepliedAt)
	c.ClaimExpiresAt = cloneTime(m.ClaimExpiresAt)
	if m.ClaimToken != nil {
		tok := *m.ClaimToken
		c.ClaimToken = &tok
	}
	if m.LastError != nil {
		e := *m.LastError
		c.LastError = &e
	}
	return &c
}

// CanRetry проверяет, остался ли бюджет повторов.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.maxRetries()
}

func (m *Message) maxRetries() int {
	if m.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return m.MaxRetries
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
