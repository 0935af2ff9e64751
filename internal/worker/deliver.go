package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/telemetry"
	"github.com/shaiso/Outreach/internal/transport"
)

// Outcome — исход одной попытки.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSent      Outcome = "sent"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeBounced   Outcome = "bounced"
	OutcomeCancelled Outcome = "cancelled"
)

// Deliver выполняет одну попытку доставки сообщения id.
//
// Если сообщение уже захвачено, не наступило или батч отменён, возвращает
// OutcomeSkipped без ошибки.
func (w *Worker) Deliver(ctx context.Context, id uuid.UUID) (Outcome, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return OutcomeSkipped, err
		}
	}

	token := uuid.New()
	m, err := w.claim(ctx, id, token)
	switch {
	case errors.Is(err, ErrNotDue), errors.Is(err, domain.ErrInvalidTransition):
		telemetry.ClaimConflicts.Inc()
		w.logger.Debug("claim conflict, skipping", "message_id", id)
		return OutcomeSkipped, nil
	case errors.Is(err, ErrBatchCancelled), errors.Is(err, repo.ErrNotFound):
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeSkipped, fmt.Errorf("claim: %w", err)
	}

	logger := telemetry.WithMessageID(telemetry.WithBatchID(w.logger, m.BatchID.String()), m.ID.String())

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	start := time.Now()
	rcpt, sendErr := w.transport.Send(sendCtx, transport.NewEnvelope(m, w.attachments))
	cancel()
	telemetry.SendDuration.Observe(time.Since(start).Seconds())

	// Исход записываем даже при остановке воркера, иначе захват повиснет до reaper.
	ctx = context.WithoutCancel(ctx)
	now := w.now()

	if sendErr == nil {
		return w.finish(ctx, m.ID, token, now, func(m *domain.Message) (Outcome, error) {
			return OutcomeSent, m.MarkSent(rcpt.ProviderMessageID, now)
		})
	}

	te := domain.ClassifyTransport(sendErr)
	cause := &domain.ErrorInfo{Kind: te.Kind(), Message: te.Error()}
	logger.Warn("send attempt failed", "kind", cause.Kind, "retry_count", m.RetryCount, "error", sendErr)

	switch te.Failure {
	case domain.TransportTransient:
		return w.retry(ctx, m, token, cause, now)
	case domain.TransportBounce:
		return w.finish(ctx, m.ID, token, now, func(m *domain.Message) (Outcome, error) {
			return OutcomeBounced, m.Bounce(cause, now)
		})
	default:
		return w.finish(ctx, m.ID, token, now, func(m *domain.Message) (Outcome, error) {
			return OutcomeFailed, m.Fail(cause, now)
		})
	}
}

// claim — CAS SCHEDULED → SENDING.
func (w *Worker) claim(ctx context.Context, id, token uuid.UUID) (*domain.Message, error) {
	now := w.now()
	m, _, err := repo.UpdateMessage(ctx, w.store, id, now, func(m *domain.Message, b *domain.Batch) error {
		if b.Status == domain.BatchStatusCancelled {
			return ErrBatchCancelled
		}
		if !m.IsDue(now) {
			return ErrNotDue
		}
		return m.Claim(token, now.Add(w.claimTTL), now)
	})
	return m, err
}

// finish записывает терминальный исход, если захват всё ещё наш.
func (w *Worker) finish(ctx context.Context, id, token uuid.UUID, now time.Time, apply func(m *domain.Message) (Outcome, error)) (Outcome, error) {
	var outcome Outcome
	m, b, err := repo.UpdateMessage(ctx, w.store, id, now, func(m *domain.Message, _ *domain.Batch) error {
		if m.Status != domain.MessageStatusSending || m.ClaimToken == nil || *m.ClaimToken != token {
			return ErrClaimLost
		}
		var err error
		outcome, err = apply(m)
		return err
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("record outcome for %s: %w", id, err)
	}

	telemetry.SendAttempts.WithLabelValues(string(outcome)).Inc()
	w.published(ctx, m, b, now)
	return outcome, nil
}

// retry отдаёт сообщение планировщику: он учтёт лимиты, бюджет и отмену батча.
func (w *Worker) retry(ctx context.Context, m *domain.Message, token uuid.UUID, cause *domain.ErrorInfo, now time.Time) (Outcome, error) {
	earliest := now.Add(w.backoff.Delay(m.RetryCount))

	updated, b, err := w.rescheduler.Reschedule(ctx, m.ID, token, earliest, cause, now)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("reschedule %s: %w", m.ID, err)
	}

	var outcome Outcome
	switch updated.Status {
	case domain.MessageStatusScheduled:
		outcome = OutcomeRetry
		w.logger.Info("retry scheduled",
			"message_id", updated.ID,
			"retry_count", updated.RetryCount,
			"scheduled_time", updated.ScheduledTime,
		)
	case domain.MessageStatusCancelled:
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}

	telemetry.SendAttempts.WithLabelValues(string(outcome)).Inc()
	w.published(ctx, updated, b, now)
	return outcome, nil
}

// published сообщает о финальном статусе сообщения и о завершении батча в этой транзакции.
func (w *Worker) published(ctx context.Context, m *domain.Message, b *domain.Batch, now time.Time) {
	if !m.Status.IsTerminal() {
		return
	}
	// Об отмене батча сообщает тот, кто отменял.
	finished := b.IsFinished() && b.Status != domain.BatchStatusCancelled &&
		b.CompletedAt != nil && b.CompletedAt.Equal(now)
	if finished {
		telemetry.BatchesFinished.WithLabelValues(string(b.Status)).Inc()
		w.logger.Info("batch finished", "batch_id", b.ID, "status", b.Status, "sent", b.Counters.Succeeded())
	}
	if w.events == nil {
		return
	}

	var errMsg string
	if m.LastError != nil {
		errMsg = m.LastError.Message
	}
	if err := w.events.PublishMessageFinished(ctx, mq.MessageFinishedPayload{
		MessageID:   m.ID,
		BatchID:     m.BatchID,
		TrackingKey: m.TrackingKey,
		Status:      string(m.Status),
		RetryCount:  m.RetryCount,
		Error:       errMsg,
	}); err != nil {
		w.logger.Warn("failed to publish message.finished", "message_id", m.ID, "error", err)
	}

	if !finished {
		return
	}
	if err := w.events.PublishBatchFinished(ctx, mq.BatchFinishedPayload{
		BatchID:   b.ID,
		OwnerID:   b.OwnerID,
		Status:    string(b.Status),
		Total:     b.Counters.Total,
		Succeeded: b.Counters.Succeeded(),
		Failed:    b.Counters.Failed + b.Counters.Bounced,
	}); err != nil {
		w.logger.Warn("failed to publish batch.finished", "batch_id", b.ID, "error", err)
	}
}

// Reap возвращает сообщения с истёкшим захватом в SCHEDULED.
// Если батч отменён, сообщение отменяется. Возвращает число обработанных.
func (w *Worker) Reap(ctx context.Context) (int, error) {
	now := w.now()
	expired, err := w.store.ListExpiredClaims(ctx, now, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	var n int
	for _, e := range expired {
		m, b, err := repo.UpdateMessage(ctx, w.store, e.ID, now, func(m *domain.Message, b *domain.Batch) error {
			if !m.ClaimExpired(now) {
				return errNotExpired
			}
			if b.Status == domain.BatchStatusCancelled {
				return m.Cancel("batch cancelled, claim expired", now)
			}
			return m.Reclaim(now)
		})
		if errors.Is(err, errNotExpired) || errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("reclaim %s: %w", e.ID, err)
		}
		n++
		telemetry.ClaimsReaped.Inc()
		w.logger.Warn("reclaimed expired claim", "message_id", m.ID, "status", m.Status)
		w.published(ctx, m, b, now)
	}
	return n, nil
}

func (w *Worker) reapAndLog(ctx context.Context) {
	if _, err := w.Reap(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("reaper failed", "error", err)
	}
}
