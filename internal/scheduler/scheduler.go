package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/lock"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/telemetry"
)

const (
	defaultHorizon      = 14 * 24 * time.Hour
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 50
)

// Result — итог планирования батча.
type Result struct {
	Scheduled int
	Failed    int
}

// Scheduler назначает слоты отправки.
type Scheduler struct {
	store   repo.Store
	locker  lock.Locker
	window  *Window
	horizon time.Duration
	now     func() time.Time

	conn         *mq.Connection
	consumer     *mq.Consumer
	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Scheduler.
type Config struct {
	Store  repo.Store
	Locker lock.Locker // default: LocalLocker

	Window  *Window       // default: 09:00–17:00, все дни
	Horizon time.Duration // default: 14 дней

	// Conn — если задан, Start подписывается на batch.approved.
	Conn *mq.Connection

	PollInterval time.Duration // default: 30s
	BatchSize    int           // батчей за тик (default: 50)

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:        cfg.Store,
		locker:       cfg.Locker,
		window:       cfg.Window,
		horizon:      cfg.Horizon,
		now:          cfg.Now,
		conn:         cfg.Conn,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		logger:       cfg.Logger,
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.window == nil {
		s.window = DefaultWindow()
	}
	if s.horizon <= 0 {
		s.horizon = defaultHorizon
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func ownerKey(ownerID string) string {
	return "owner:" + ownerID
}

// ScheduleBatch назначает время всем сообщениям батча в статусе APPROVED.
//
// Повторный вызов ничего не меняет: сообщения в других статусах не трогаются.
// Сообщение, для которого нет слота до горизонта, переходит в FAILED
// с rate_limit_exceeded.
func (s *Scheduler) ScheduleBatch(ctx context.Context, batchID uuid.UUID, now time.Time) (Result, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("get batch: %w", err)
	}
	if !b.Status.IsActive() {
		return Result{}, nil
	}

	unlock, err := s.locker.Lock(ctx, ownerKey(b.OwnerID))
	if err != nil {
		return Result{}, fmt.Errorf("lock owner %s: %w", b.OwnerID, err)
	}
	defer unlock()

	var res Result
	err = s.store.InTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		res = Result{}
		if err := tx.LockOwner(ctx, b.OwnerID); err != nil {
			return err
		}
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if !batch.Status.IsActive() {
			return nil
		}
		msgs, err := tx.ListBatchMessages(ctx, batchID, domain.MessageStatusApproved)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		rankOrder(msgs)

		f := s.finder(batch.Policy, now)
		slots, err := tx.OwnerSlots(ctx, batch.OwnerID, now.Add(-dayWindow), f.horizon.Add(dayWindow))
		if err != nil {
			return fmt.Errorf("owner slots: %w", err)
		}
		l := newLedger(slots, uuid.Nil)

		cursor := now
		for _, m := range msgs {
			dom := m.Recipient.Domain()
			at, ok := f.find(l, cursor, dom, s.window.Location(m.Recipient.Timezone))
			if !ok {
				if err := m.Fail(horizonError(s.horizon), now); err != nil {
					return err
				}
				res.Failed++
			} else {
				if err := m.Schedule(at, now); err != nil {
					return err
				}
				l.add(at, dom)
				cursor = at.Add(f.policy.MinInterval)
				res.Scheduled++
			}
			if err := tx.UpdateMessage(ctx, m); err != nil {
				return err
			}
		}
		return repo.Recount(ctx, tx, batch, now)
	})
	if err != nil {
		return Result{}, err
	}

	telemetry.MessagesScheduled.Add(float64(res.Scheduled))
	telemetry.SchedulingFailures.Add(float64(res.Failed))
	if res.Scheduled+res.Failed > 0 {
		s.logger.Info("batch scheduled",
			"batch_id", batchID,
			"owner_id", b.OwnerID,
			"scheduled", res.Scheduled,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// Reschedule возвращает захваченное сообщение в очередь после временной ошибки.
//
// Слот ищется не раньше earliest (момент окончания backoff) по тем же правилам,
// что и при первичном планировании. Если батч отменён, сообщение отменяется;
// если бюджет повторов исчерпан или слота нет, сообщение переходит в FAILED.
func (s *Scheduler) Reschedule(ctx context.Context, msgID, token uuid.UUID, earliest time.Time, cause *domain.ErrorInfo, now time.Time) (*domain.Message, *domain.Batch, error) {
	cur, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return nil, nil, fmt.Errorf("get message: %w", err)
	}

	unlock, err := s.locker.Lock(ctx, ownerKey(cur.OwnerID))
	if err != nil {
		return nil, nil, fmt.Errorf("lock owner %s: %w", cur.OwnerID, err)
	}
	defer unlock()

	var msg *domain.Message
	var batch *domain.Batch
	err = s.store.InTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := tx.LockOwner(ctx, cur.OwnerID); err != nil {
			return err
		}
		b, err := tx.GetBatch(ctx, cur.BatchID)
		if err != nil {
			return err
		}
		m, err := tx.GetMessage(ctx, msgID)
		if err != nil {
			return err
		}
		if m.Status != domain.MessageStatusSending || m.ClaimToken == nil || *m.ClaimToken != token {
			return ErrClaimMismatch
		}

		switch {
		case b.Status == domain.BatchStatusCancelled:
			err = m.Cancel("batch cancelled during attempt", now)
		case !m.CanRetry():
			_, err = m.Retry(now, cause, now)
		default:
			err = s.retryAt(ctx, tx, b, m, earliest, cause, now)
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}
		if err := repo.Recount(ctx, tx, b, now); err != nil {
			return err
		}
		msg, batch = m, b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, batch, nil
}

func (s *Scheduler) retryAt(ctx context.Context, tx repo.Tx, b *domain.Batch, m *domain.Message, earliest time.Time, cause *domain.ErrorInfo, now time.Time) error {
	if earliest.Before(now) {
		earliest = now
	}
	f := s.finder(b.Policy, now)
	slots, err := tx.OwnerSlots(ctx, b.OwnerID, earliest.Add(-dayWindow), f.horizon.Add(dayWindow))
	if err != nil {
		return fmt.Errorf("owner slots: %w", err)
	}

	at, ok := f.find(newLedger(slots, m.ID), earliest, m.Recipient.Domain(), s.window.Location(m.Recipient.Timezone))
	if !ok {
		telemetry.SchedulingFailures.Inc()
		return m.Fail(horizonError(s.horizon), now)
	}
	_, err = m.Retry(at, cause, now)
	return err
}

func (s *Scheduler) finder(p domain.RatePolicy, now time.Time) *finder {
	return &finder{
		policy:  p.WithDefaults(),
		window:  s.window,
		horizon: now.Add(s.horizon),
	}
}

func horizonError(h time.Duration) *domain.ErrorInfo {
	return &domain.ErrorInfo{
		Kind:    domain.ErrorKindRateLimit,
		Message: fmt.Sprintf("no send slot within %s", h),
	}
}

// rankOrder сортирует по убыванию MatchScore, при равенстве по ID.
func rankOrder(msgs []*domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].MatchScore != msgs[j].MatchScore {
			return msgs[i].MatchScore > msgs[j].MatchScore
		}
		return msgs[i].ID.String() < msgs[j].ID.String()
	})
}

// Tick планирует все батчи с одобренными сообщениями.
// Ошибка одного батча не мешает остальным.
func (s *Scheduler) Tick(ctx context.Context) error {
	ids, err := s.store.ListSchedulable(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("list schedulable: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.ScheduleBatch(ctx, id, s.now()); err != nil {
			s.logger.Error("failed to schedule batch", "batch_id", id, "error", err)
		}
	}
	return nil
}

// Start запускает polling и, если задано соединение, consumer batch.approved.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	s.logger.Info("starting scheduler",
		"window", s.window.String(),
		"horizon", s.horizon,
		"poll_interval", s.pollInterval,
	)

	if s.conn != nil {
		s.consumer = mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
			Queue:    mq.QueueBatchesApproved,
			Handler:  s.handleBatchApproved,
			Prefetch: 1,
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("batch consumer error", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
	return nil
}

// Stop останавливает Scheduler и ждёт горутины.
func (s *Scheduler) Stop() {
	s.stoppedMu.Lock()
	s.stopped = true
	s.stoppedMu.Unlock()

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsStopped проверяет, остановлен ли Scheduler.
func (s *Scheduler) IsStopped() bool {
	s.stoppedMu.RLock()
	defer s.stoppedMu.RUnlock()
	return s.stopped
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler tick failed", "error", err)
	}
}

func (s *Scheduler) handleBatchApproved(ctx context.Context, d *mq.Delivery) error {
	p, err := mq.ParsePayload[mq.BatchApprovedPayload](&d.Message)
	if err != nil {
		return err
	}

	_, err = s.ScheduleBatch(ctx, p.BatchID, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("approved batch no longer exists", "batch_id", p.BatchID)
		return nil
	}
	return err
}
