package domain

// MessageStatus — статус отдельного сообщения.
//
// Жизненный цикл:
//
//	DRAFT → PENDING_APPROVAL → APPROVED → SCHEDULED → SENDING → SENT → DELIVERED → OPENED → REPLIED
//	                                                         ↘ SCHEDULED (retry / reclaim)
//	                                                         ↘ FAILED | BOUNCED
//	(любой нефинальный до SENDING) → CANCELLED
type MessageStatus string

const (
	// MessageStatusDraft — сообщение создано, контент сгенерирован (или нет).
	MessageStatusDraft MessageStatus = "draft"

	// MessageStatusPendingApproval — отправлено владельцу на проверку.
	MessageStatusPendingApproval MessageStatus = "pending_approval"

	// MessageStatusApproved — одобрено, ждёт назначения времени отправки.
	MessageStatusApproved MessageStatus = "approved"

	// MessageStatusScheduled — назначено scheduled_time, ждёт воркера.
	MessageStatusScheduled MessageStatus = "scheduled"

	// MessageStatusSending — захвачено воркером (claim), идёт отправка.
	MessageStatusSending MessageStatus = "sending"

	// MessageStatusSent — транспорт принял сообщение.
	MessageStatusSent MessageStatus = "sent"

	// MessageStatusDelivered — получено подтверждение доставки.
	MessageStatusDelivered MessageStatus = "delivered"

	// MessageStatusOpened — получатель открыл сообщение.
	MessageStatusOpened MessageStatus = "opened"

	// MessageStatusReplied — получатель ответил.
	MessageStatusReplied MessageStatus = "replied"

	// MessageStatusFailed — отправка окончательно не удалась.
	MessageStatusFailed MessageStatus = "failed"

	// MessageStatusBounced — адрес отклонил сообщение.
	MessageStatusBounced MessageStatus = "bounced"

	// MessageStatusCancelled — отменено владельцем.
	MessageStatusCancelled MessageStatus = "cancelled"
)

// AllMessageStatuses перечисляет все статусы в порядке жизненного цикла.
var AllMessageStatuses = []MessageStatus{
	MessageStatusDraft,
	MessageStatusPendingApproval,
	MessageStatusApproved,
	MessageStatusScheduled,
	MessageStatusSending,
	MessageStatusSent,
	MessageStatusDelivered,
	MessageStatusOpened,
	MessageStatusReplied,
	MessageStatusFailed,
	MessageStatusBounced,
	MessageStatusCancelled,
}

// messageTransitions — таблица допустимых переходов. Единственный источник истины:
// любой переход, которого здесь нет, отклоняется.
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusDraft:           {MessageStatusPendingApproval, MessageStatusApproved, MessageStatusCancelled},
	MessageStatusPendingApproval: {MessageStatusApproved, MessageStatusDraft, MessageStatusCancelled},
	MessageStatusApproved:        {MessageStatusScheduled, MessageStatusFailed, MessageStatusCancelled},
	MessageStatusScheduled:       {MessageStatusSending, MessageStatusCancelled},
	MessageStatusSending:         {MessageStatusSent, MessageStatusScheduled, MessageStatusFailed, MessageStatusBounced, MessageStatusCancelled},
	MessageStatusSent:            {MessageStatusDelivered, MessageStatusOpened, MessageStatusReplied, MessageStatusBounced},
	MessageStatusDelivered:       {MessageStatusOpened, MessageStatusReplied},
	MessageStatusOpened:          {MessageStatusReplied},
}

// CanTransition проверяет, разрешён ли переход from → to.
func CanTransition(from, to MessageStatus) bool {
	for _, s := range messageTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid возвращает true для известных статусов.
func (s MessageStatus) IsValid() bool {
	for _, v := range AllMessageStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true, если доставка сообщения завершена.
// SENT/DELIVERED/OPENED ещё принимают tracking-события, но для батча они финальны.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusOpened, MessageStatusReplied,
		MessageStatusFailed, MessageStatusBounced, MessageStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFinal возвращает true, если из статуса нет переходов.
func (s MessageStatus) IsFinal() bool {
	return len(messageTransitions[s]) == 0
}

// IsSuccess возвращает true, если транспорт принял сообщение.
func (s MessageStatus) IsSuccess() bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusOpened, MessageStatusReplied:
		return true
	default:
		return false
	}
}

// BatchStatus — статус батча.
//
// Жизненный цикл:
//
//	DRAFT → PENDING_APPROVAL → APPROVED → SENDING → COMPLETED
//	                                             ↘ FAILED (ни одно сообщение не ушло)
//	(любой нефинальный) → CANCELLED
type BatchStatus string

const (
	BatchStatusDraft           BatchStatus = "draft"
	BatchStatusPendingApproval BatchStatus = "pending_approval"
	BatchStatusApproved        BatchStatus = "approved"
	BatchStatusSending         BatchStatus = "sending"
	BatchStatusCompleted       BatchStatus = "completed"
	BatchStatusFailed          BatchStatus = "failed"
	BatchStatusCancelled       BatchStatus = "cancelled"
)

// IsTerminal возвращает true, если батч завершён.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive возвращает true, если сообщения батча могут быть отправлены.
func (s BatchStatus) IsActive() bool {
	return s == BatchStatusApproved || s == BatchStatusSending
}

// ParseMessageStatus парсит строку в MessageStatus.
func ParseMessageStatus(s string) (MessageStatus, error) {
	st := MessageStatus(s)
	if !st.IsValid() {
		return "", NewValidationError("status", "unknown message status %q", s)
	}
	return st, nil
}
