package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Значения политики по умолчанию.
const (
	DefaultMaxPerHour  = 20
	DefaultMaxPerDay   = 10000
	DefaultMinInterval = 2 * time.Minute
	DefaultMaxBatch    = 50
)

// RatePolicy — ограничения скорости отправки батча.
type RatePolicy struct {
	// MaxPerHour — не больше стольких отправок владельца в любом окне 60 минут.
	MaxPerHour int `json:"max_per_hour"`

	// MaxPerDay — не больше стольких отправок владельца в любом окне 24 часа.
	MaxPerDay int `json:"max_per_day"`

	// MinInterval — минимальный интервал между отправками на один домен получателя.
	MinInterval time.Duration `json:"min_interval"`
}

// DefaultRatePolicy возвращает политику по умолчанию.
func DefaultRatePolicy() RatePolicy {
	return RatePolicy{
		MaxPerHour:  DefaultMaxPerHour,
		MaxPerDay:   DefaultMaxPerDay,
		MinInterval: DefaultMinInterval,
	}
}

// WithDefaults заполняет нулевые лимиты значениями по умолчанию.
// Используется для уже сохранённых политик; входные данные идут через PolicySpec.
func (p RatePolicy) WithDefaults() RatePolicy {
	if p.MaxPerHour <= 0 {
		p.MaxPerHour = DefaultMaxPerHour
	}
	if p.MaxPerDay <= 0 {
		p.MaxPerDay = DefaultMaxPerDay
	}
	return p
}

// PolicySpec — политика во входных данных. nil-поле означает «не задано».
type PolicySpec struct {
	MaxPerHour  *int
	MaxPerDay   *int
	MinInterval *time.Duration
}

// Resolve проверяет заданные поля и дополняет незаданные значениями по умолчанию.
func (s PolicySpec) Resolve() (RatePolicy, error) {
	return s.Over(DefaultRatePolicy())
}

// Over накладывает заданные поля на base. Некорректное значение не заменяется
// значением по умолчанию, а возвращается как ValidationError.
func (s PolicySpec) Over(base RatePolicy) (RatePolicy, error) {
	p := base
	if s.MaxPerHour != nil {
		if *s.MaxPerHour <= 0 {
			return base, NewValidationError("policy.max_per_hour", "must be positive, got %d", *s.MaxPerHour)
		}
		p.MaxPerHour = *s.MaxPerHour
	}
	if s.MaxPerDay != nil {
		if *s.MaxPerDay <= 0 {
			return base, NewValidationError("policy.max_per_day", "must be positive, got %d", *s.MaxPerDay)
		}
		p.MaxPerDay = *s.MaxPerDay
	}
	if s.MinInterval != nil {
		if *s.MinInterval < 0 {
			return base, NewValidationError("policy.min_interval", "must not be negative, got %s", *s.MinInterval)
		}
		p.MinInterval = *s.MinInterval
	}
	if err := p.Validate(); err != nil {
		return base, err
	}
	return p, nil
}

// Validate проверяет согласованность политики.
func (p RatePolicy) Validate() error {
	if p.MaxPerHour <= 0 {
		return NewValidationError("policy.max_per_hour", "must be positive")
	}
	if p.MaxPerDay <= 0 {
		return NewValidationError("policy.max_per_day", "must be positive")
	}
	if p.MaxPerHour > p.MaxPerDay {
		return NewValidationError("policy.max_per_hour", "must not exceed max_per_day")
	}
	if p.MinInterval < 0 {
		return NewValidationError("policy.min_interval", "must not be negative")
	}
	return nil
}

// Counters — счётчики сообщений батча по статусам.
type Counters struct {
	Total           int `json:"total"`
	Draft           int `json:"draft"`
	PendingApproval int `json:"pending_approval"`
	Approved        int `json:"approved"`
	Scheduled       int `json:"scheduled"`
	Sending         int `json:"sending"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Opened          int `json:"opened"`
	Replied         int `json:"replied"`
	Failed          int `json:"failed"`
	Bounced         int `json:"bounced"`
	Cancelled       int `json:"cancelled"`
}

// CountersFrom строит счётчики из распределения статусов.
func CountersFrom(total int, counts map[MessageStatus]int) Counters {
	return Counters{
		Total:           total,
		Draft:           counts[MessageStatusDraft],
		PendingApproval: counts[MessageStatusPendingApproval],
		Approved:        counts[MessageStatusApproved],
		Scheduled:       counts[MessageStatusScheduled],
		Sending:         counts[MessageStatusSending],
		Sent:            counts[MessageStatusSent],
		Delivered:       counts[MessageStatusDelivered],
		Opened:          counts[MessageStatusOpened],
		Replied:         counts[MessageStatusReplied],
		Failed:          counts[MessageStatusFailed],
		Bounced:         counts[MessageStatusBounced],
		Cancelled:       counts[MessageStatusCancelled],
	}
}

// Sum возвращает сумму счётчиков по всем статусам. Должна совпадать с Total.
func (c Counters) Sum() int {
	return c.Draft + c.PendingApproval + c.Approved + c.Scheduled + c.Sending +
		c.Sent + c.Delivered + c.Opened + c.Replied +
		c.Failed + c.Bounced + c.Cancelled
}

// Terminal возвращает число сообщений с завершённой доставкой.
func (c Counters) Terminal() int {
	return c.Sent + c.Delivered + c.Opened + c.Replied + c.Failed + c.Bounced + c.Cancelled
}

// Succeeded возвращает число сообщений, принятых транспортом.
func (c Counters) Succeeded() int {
	return c.Sent + c.Delivered + c.Opened + c.Replied
}

// Batch — набор сообщений, созданных вместе и отслеживаемых как единое целое.
type Batch struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// OwnerID — владелец батча. Лимиты скорости считаются по владельцу.
	OwnerID string `json:"owner_id"`

	// Name — отображаемое имя.
	Name string `json:"name"`

	// Status — текущий статус.
	Status BatchStatus `json:"status"`

	// Counters — счётчики по статусам сообщений.
	Counters Counters `json:"counters"`

	// Policy — политика скорости.
	Policy RatePolicy `json:"policy"`

	// MessageIDs — идентификаторы сообщений (в порядке ранжирования).
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsFinished возвращает true, если батч завершён.
func (b *Batch) IsFinished() bool {
	return b.Status.IsTerminal()
}

// SubmitForApproval переводит черновик на проверку.
func (b *Batch) SubmitForApproval(now time.Time) error {
	if b.Status != BatchStatusDraft {
		return NewValidationError("status", "batch %s is %s, expected draft", b.ID, b.Status)
	}
	b.Status = BatchStatusPendingApproval
	b.UpdatedAt = now
	return nil
}

// MarkApproved одобряет батч.
func (b *Batch) MarkApproved(now time.Time) error {
	if b.Status != BatchStatusDraft && b.Status != BatchStatusPendingApproval {
		return NewValidationError("status", "batch %s is %s, cannot approve", b.ID, b.Status)
	}
	at := now
	b.Status = BatchStatusApproved
	b.ApprovedAt = &at
	b.UpdatedAt = now
	return nil
}

// MarkCancelled отменяет батч.
func (b *Batch) MarkCancelled(now time.Time) error {
	if b.Status.IsTerminal() {
		return NewValidationError("status", "batch %s is already %s", b.ID, b.Status)
	}
	at := now
	b.Status = BatchStatusCancelled
	b.CompletedAt = &at
	b.UpdatedAt = now
	return nil
}

// Recompute пересчитывает счётчики и выводит статус батча из статусов сообщений.
//
// Вызывается после каждого перехода сообщения в той же транзакции:
//   - APPROVED и есть хотя бы одно сообщение в SENDING или уже отправленное → SENDING
//   - все сообщения терминальны → COMPLETED (или FAILED, если ни одно не ушло)
//
// CANCELLED и завершённые батчи не меняют статус, только счётчики.
func (b *Batch) Recompute(counts map[MessageStatus]int, now time.Time) {
	b.Counters = CountersFrom(b.Counters.Total, counts)
	b.UpdatedAt = now

	if b.Status.IsTerminal() {
		return
	}

	c := b.Counters
	if b.Status == BatchStatusApproved && (c.Sending > 0 || c.Succeeded() > 0 || c.Failed+c.Bounced > 0) {
		at := now
		b.Status = BatchStatusSending
		b.StartedAt = &at
	}

	if !b.Status.IsActive() || c.Total == 0 || c.Terminal() < c.Total {
		return
	}

	at := now
	b.CompletedAt = &at
	if c.Succeeded() == 0 && c.Failed+c.Bounced > 0 {
		b.Status = BatchStatusFailed
		return
	}
	b.Status = BatchStatusCompleted
}

// BatchPatch — явный список полей батча, которые можно менять после создания.
type BatchPatch struct {
	Name   *string
	Policy *PolicySpec
}

// Apply применяет патч. Политику можно менять только до одобрения;
// незаданные поля политики сохраняют текущие значения.
func (p BatchPatch) Apply(b *Batch, now time.Time) error {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return NewValidationError("name", "must not be empty")
		}
		b.Name = name
	}
	if p.Policy != nil {
		if b.Status != BatchStatusDraft && b.Status != BatchStatusPendingApproval {
			return NewValidationError("policy", "cannot change policy in status %s", b.Status)
		}
		pol, err := p.Policy.Over(b.Policy.WithDefaults())
		if err != nil {
			return err
		}
		b.Policy = pol
	}
	b.UpdatedAt = now
	return nil
}

// Clone возвращает глубокую копию батча.
func (b *Batch) Clone() *Batch {
	c := *b
	c.MessageIDs = append([]uuid.UUID(nil), b.MessageIDs...)
	c.ApprovedAt = cloneTime(b.ApprovedAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}
