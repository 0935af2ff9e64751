package batch

import (
	"context"
	"strings"
	"time"

	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/telemetry"
)

// Event — tracking-событие от провайдера или пикселя.
type Event string

const (
	EventDelivered Event = "delivered"
	EventOpened    Event = "opened"
	EventReplied   Event = "replied"
	EventBounced   Event = "bounced"
)

// ParseEvent парсит имя события.
func ParseEvent(s string) (Event, error) {
	e := Event(strings.ToLower(strings.TrimSpace(s)))
	switch e {
	case EventDelivered, EventOpened, EventReplied, EventBounced:
		return e, nil
	}
	return "", domain.NewValidationError("event", "unknown event %q", s)
}

func (e Event) status() domain.MessageStatus {
	return domain.MessageStatus(e)
}

// engagement — порядок статусов после отправки.
var engagement = map[domain.MessageStatus]int{
	domain.MessageStatusSent:      1,
	domain.MessageStatusDelivered: 2,
	domain.MessageStatusOpened:    3,
	domain.MessageStatusReplied:   4,
}

// RecordEvent применяет событие к сообщению с ключом trackingKey.
//
// Повторное или запоздавшее событие (opened после replied) ничего не меняет.
// at — время события у провайдера; нулевое значение — текущее время.
// Событие не может оказаться раньше последнего перехода сообщения: часы
// провайдера расходятся с нашими, а журнал и метки статусов должны идти по порядку.
func (c *Controller) RecordEvent(ctx context.Context, trackingKey string, event Event, at time.Time) (*domain.Message, error) {
	cur, err := c.store.GetMessageByTrackingKey(ctx, trackingKey)
	if err != nil {
		return nil, err
	}

	now := c.now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	to := event.status()
	applied := false
	m, _, err := repo.UpdateMessage(ctx, c.store, cur.ID, now, func(m *domain.Message, _ *domain.Batch) error {
		if m.Status == to {
			return nil
		}
		if rank, ok := engagement[m.Status]; ok && engagement[to] > 0 && engagement[to] <= rank {
			return nil
		}
		stamp := notBefore(m, at)
		if to == domain.MessageStatusBounced {
			if err := m.Bounce(&domain.ErrorInfo{Kind: domain.ErrorKindBounce, Message: "bounce reported by provider"}, stamp); err != nil {
				return err
			}
		} else if err := m.Transition(to, "tracking event", stamp); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		telemetry.TrackingEvents.WithLabelValues(string(event)).Inc()
		telemetry.WithMessageID(c.logger, m.ID.String()).Info("tracking event recorded",
			"event", event,
			"batch_id", m.BatchID,
		)
	}
	return m, nil
}

// notBefore поднимает at до времени последнего перехода сообщения.
func notBefore(m *domain.Message, at time.Time) time.Time {
	if n := len(m.History); n > 0 && m.History[n-1].At.After(at) {
		return m.History[n-1].At
	}
	if m.SentAt != nil && m.SentAt.After(at) {
		return *m.SentAt
	}
	return at
}
