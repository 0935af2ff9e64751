package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/transport"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	defaultConcurrency  = 4
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultSendTimeout  = 30 * time.Second
	defaultClaimTTL     = 2 * time.Minute
	defaultReapInterval = time.Minute
)

// Rescheduler подбирает слот для повтора с соблюдением лимитов.
// Реализация — *scheduler.Scheduler.
type Rescheduler interface {
	Reschedule(ctx context.Context, msgID, token uuid.UUID, earliest time.Time, cause *domain.ErrorInfo, now time.Time) (*domain.Message, *domain.Batch, error)
}

// Events публикует события завершения. Реализация — *mq.Publisher.
type Events interface {
	PublishMessageFinished(ctx context.Context, p mq.MessageFinishedPayload) error
	PublishBatchFinished(ctx context.Context, p mq.BatchFinishedPayload) error
}

// Worker — пул доставки.
type Worker struct {
	store       repo.Store
	transport   transport.Transport
	rescheduler Rescheduler
	events      Events
	attachments []transport.Attachment

	limiter *rate.Limiter
	backoff Backoff

	concurrency  int
	pollInterval time.Duration
	batchSize    int
	sendTimeout  time.Duration
	claimTTL     time.Duration
	reapInterval time.Duration
	now          func() time.Time

	jobs chan uuid.UUID
	cron *cron.Cron

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Store       repo.Store
	Transport   transport.Transport
	Rescheduler Rescheduler
	Events      Events // опционально

	// Attachments прикладываются к каждому письму.
	Attachments []transport.Attachment

	Concurrency  int           // горутин отправки (default: 4)
	PollInterval time.Duration // default: 5s
	BatchSize    int           // сообщений за один poll (default: 50)
	SendTimeout  time.Duration // таймаут вызова транспорта (default: 30s)
	ClaimTTL     time.Duration // срок захвата, больше SendTimeout (default: 2m)
	ReapInterval time.Duration // default: 1m

	// SendRate — не больше стольких вызовов транспорта в секунду на процесс. 0 — без ограничения.
	SendRate  float64
	SendBurst int

	Backoff Backoff

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	w := &Worker{
		store:        cfg.Store,
		transport:    cfg.Transport,
		rescheduler:  cfg.Rescheduler,
		events:       cfg.Events,
		attachments:  cfg.Attachments,
		backoff:      cfg.Backoff,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		sendTimeout:  cfg.SendTimeout,
		claimTTL:     cfg.ClaimTTL,
		reapInterval: cfg.ReapInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.sendTimeout <= 0 {
		w.sendTimeout = defaultSendTimeout
	}
	if w.claimTTL <= w.sendTimeout {
		w.claimTTL = max(defaultClaimTTL, 2*w.sendTimeout)
	}
	if w.reapInterval <= 0 {
		w.reapInterval = defaultReapInterval
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.transport == nil {
		w.transport = transport.NewLog(w.logger)
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	if w.backoff.Base == 0 && w.backoff.Max == 0 && w.backoff.Jitter == 0 {
		w.backoff.Jitter = defaultBackoffJitter
	}
	w.backoff = w.backoff.withDefaults()
	return w
}

// Start запускает пул, polling и reaper.
func (w *Worker) Start(ctx context.Context) error {
	if w.store == nil || w.rescheduler == nil {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel
	w.jobs = make(chan uuid.UUID)

	w.logger.Info("starting worker",
		"transport", w.transport.Name(),
		"concurrency", w.concurrency,
		"poll_interval", w.pollInterval,
		"send_timeout", w.sendTimeout,
		"claim_ttl", w.claimTTL,
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := w.cron.AddFunc("@every "+w.reapInterval.String(), func() { w.reapAndLog(ctx) }); err != nil {
		cancel()
		return err
	}
	w.cron.Start()

	return nil
}

// Stop останавливает Worker. Начатые попытки доводятся до конца.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.jobs:
			if _, err := w.Deliver(ctx, id); err != nil && ctx.Err() == nil {
				w.logger.Error("delivery failed", "message_id", id, "error", err)
			}
		}
	}
}

// pollLoop раздаёт пулу сообщения, у которых наступило время.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	due, err := w.store.ListDue(ctx, w.now(), w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to list due messages", "error", err)
		}
		return
	}
	if len(due) > 0 {
		w.logger.Debug("poll found due messages", "count", len(due))
	}

	for _, m := range due {
		select {
		case <-ctx.Done():
			return
		case w.jobs <- m.ID:
		}
	}
}
