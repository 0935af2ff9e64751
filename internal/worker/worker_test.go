package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/scheduler"
	"github.com/shaiso/Outreach/internal/transport"
)

var monday = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeTransport вызывает fn и считает вызовы по tracking key.
type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(call int, env transport.Envelope) error
}

func newFakeTransport(fn func(call int, env transport.Envelope) error) *fakeTransport {
	return &fakeTransport{calls: make(map[string]int), fn: fn}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, env transport.Envelope) (transport.Receipt, error) {
	f.mu.Lock()
	f.calls[env.TrackingKey]++
	call := f.calls[env.TrackingKey]
	f.mu.Unlock()

	if f.fn != nil {
		if err := f.fn(call, env); err != nil {
			return transport.Receipt{}, err
		}
	}
	return transport.Receipt{ProviderMessageID: "p-" + env.TrackingKey}, nil
}

func (f *fakeTransport) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeTransport) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeEvents struct {
	mu       sync.Mutex
	messages []mq.MessageFinishedPayload
	batches  []mq.BatchFinishedPayload
}

func (e *fakeEvents) PublishMessageFinished(_ context.Context, p mq.MessageFinishedPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, p)
	return nil
}

func (e *fakeEvents) PublishBatchFinished(_ context.Context, p mq.BatchFinishedPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, p)
	return nil
}

type env struct {
	store     *repo.MemoryStore
	clock     *clock
	transport *fakeTransport
	events    *fakeEvents
	worker    *Worker
}

func newEnv(t *testing.T, fn func(call int, env transport.Envelope) error) *env {
	t.Helper()
	e := &env{
		store:     repo.NewMemoryStore(),
		clock:     &clock{t: monday},
		transport: newFakeTransport(fn),
		events:    &fakeEvents{},
	}
	sched := scheduler.New(scheduler.Config{Store: e.store, Now: e.clock.Now})
	e.worker = New(Config{
		Store:        e.store,
		Transport:    e.transport,
		Rescheduler:  sched,
		Events:       e.events,
		Backoff:      Backoff{Base: time.Minute, Max: time.Hour},
		PollInterval: 10 * time.Millisecond,
		Now:          e.clock.Now,
	})
	return e
}

// seedScheduled создаёт одобренный батч из n сообщений, назначенных на monday.
func (e *env) seedScheduled(t *testing.T, n int) (*domain.Batch, []*domain.Message) {
	t.Helper()

	b := &domain.Batch{
		ID:        uuid.New(),
		OwnerID:   "owner",
		Name:      "batch",
		Status:    domain.BatchStatusApproved,
		Counters:  domain.Counters{Total: n},
		Policy:    domain.RatePolicy{MaxPerHour: 100, MaxPerDay: 1000},
		CreatedAt: monday,
		UpdatedAt: monday,
	}
	at := monday
	msgs := make([]*domain.Message, n)
	for i := range msgs {
		msgs[i] = &domain.Message{
			ID:            uuid.New(),
			BatchID:       b.ID,
			OwnerID:       b.OwnerID,
			Recipient:     domain.Recipient{ID: fmt.Sprintf("r%02d", i), Address: fmt.Sprintf("r%d@d%d.org", i, i)},
			MatchScore:    50,
			Subject:       "hello",
			Body:          "body",
			TrackingKey:   fmt.Sprintf("key-%02d", i),
			Status:        domain.MessageStatusScheduled,
			ScheduledTime: &at,
			CreatedAt:     monday,
			UpdatedAt:     monday,
		}
	}

	err := e.store.InTx(context.Background(), func(ctx context.Context, tx repo.Tx) error {
		if err := tx.InsertBatch(ctx, b, msgs); err != nil {
			return err
		}
		return repo.Recount(ctx, tx, b, monday)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return b, msgs
}

func (e *env) message(t *testing.T, id uuid.UUID) *domain.Message {
	t.Helper()
	m, err := e.store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return m
}

func (e *env) batch(t *testing.T, id uuid.UUID) *domain.Batch {
	t.Helper()
	b, err := e.store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return b
}

func transientErr() error {
	return domain.NewTransientError(421, errors.New("service not available"))
}

func TestDeliver_Success(t *testing.T) {
	e := newEnv(t, nil)
	b, msgs := e.seedScheduled(t, 1)

	out, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != OutcomeSent {
		t.Fatalf("expected sent, got %s", out)
	}

	m := e.message(t, msgs[0].ID)
	if m.Status != domain.MessageStatusSent || m.SentAt == nil {
		t.Errorf("expected sent with sent_at, got %s", m.Status)
	}
	if m.ProviderMessageID != "p-key-00" {
		t.Errorf("unexpected provider id: %q", m.ProviderMessageID)
	}
	if m.ClaimToken != nil {
		t.Error("claim token must be cleared")
	}

	got := e.batch(t, b.ID)
	if got.Status != domain.BatchStatusCompleted || got.CompletedAt == nil {
		t.Errorf("expected completed batch, got %s", got.Status)
	}
	if len(e.events.messages) != 1 || e.events.messages[0].Status != "sent" {
		t.Errorf("unexpected message events: %+v", e.events.messages)
	}
	if len(e.events.batches) != 1 || e.events.batches[0].Succeeded != 1 {
		t.Errorf("unexpected batch events: %+v", e.events.batches)
	}
}

func TestDeliver_NotDue(t *testing.T) {
	e := newEnv(t, nil)
	_, msgs := e.seedScheduled(t, 1)
	e.clock.Set(monday.Add(-time.Minute))

	out, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != OutcomeSkipped {
		t.Errorf("expected skipped, got %s", out)
	}
	if e.transport.Total() != 0 {
		t.Error("transport must not be called before scheduled_time")
	}
	if m := e.message(t, msgs[0].ID); m.Status != domain.MessageStatusScheduled {
		t.Errorf("expected scheduled, got %s", m.Status)
	}
}

func TestDeliver_RetryThenSuccess(t *testing.T) {
	e := newEnv(t, func(call int, _ transport.Envelope) error {
		if call <= 2 {
			return transientErr()
		}
		return nil
	})
	b, msgs := e.seedScheduled(t, 1)
	id := msgs[0].ID

	want := []Outcome{OutcomeRetry, OutcomeRetry, OutcomeSent}
	for i, w := range want {
		out, err := e.worker.Deliver(context.Background(), id)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if out != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, out)
		}

		m := e.message(t, id)
		if m.Status == domain.MessageStatusScheduled {
			// Повтор не раньше backoff.
			if !m.ScheduledTime.After(e.clock.Now()) {
				t.Fatalf("retry scheduled at %s, not after now %s", m.ScheduledTime, e.clock.Now())
			}
			e.clock.Set(*m.ScheduledTime)
		}
	}

	m := e.message(t, id)
	if m.Status != domain.MessageStatusSent {
		t.Fatalf("expected sent, got %s", m.Status)
	}
	if m.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", m.RetryCount)
	}
	if got := e.transport.Calls(m.TrackingKey); got != 3 {
		t.Errorf("expected 3 transport calls, got %d", got)
	}
	if got := e.batch(t, b.ID); got.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed batch, got %s", got.Status)
	}
}

func TestDeliver_RetryBackoff(t *testing.T) {
	e := newEnv(t, func(int, transport.Envelope) error { return transientErr() })
	_, msgs := e.seedScheduled(t, 1)

	if _, err := e.worker.Deliver(context.Background(), msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	m := e.message(t, msgs[0].ID)
	if want := monday.Add(time.Minute); !m.ScheduledTime.Equal(want) {
		t.Errorf("first retry: got %s, want %s", m.ScheduledTime, want)
	}
	if m.LastError == nil || m.LastError.Kind != domain.ErrorKindTransient {
		t.Errorf("unexpected last_error: %+v", m.LastError)
	}

	e.clock.Set(*m.ScheduledTime)
	if _, err := e.worker.Deliver(context.Background(), msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	m = e.message(t, msgs[0].ID)
	if want := monday.Add(3 * time.Minute); !m.ScheduledTime.Equal(want) {
		t.Errorf("second retry: got %s, want %s", m.ScheduledTime, want)
	}
}

func TestDeliver_RetryBudgetExhausted(t *testing.T) {
	e := newEnv(t, func(int, transport.Envelope) error { return transientErr() })
	b, msgs := e.seedScheduled(t, 1)
	id := msgs[0].ID

	var out Outcome
	for i := 0; i < 10; i++ {
		var err error
		out, err = e.worker.Deliver(context.Background(), id)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		m := e.message(t, id)
		if m.Status != domain.MessageStatusScheduled {
			break
		}
		e.clock.Set(*m.ScheduledTime)
	}

	if out != OutcomeFailed {
		t.Errorf("expected failed outcome, got %s", out)
	}
	m := e.message(t, id)
	if m.Status != domain.MessageStatusFailed {
		t.Fatalf("expected failed, got %s", m.Status)
	}
	if m.RetryCount != domain.DefaultMaxRetries {
		t.Errorf("expected retry_count %d, got %d", domain.DefaultMaxRetries, m.RetryCount)
	}
	if got := e.transport.Calls(m.TrackingKey); got != domain.DefaultMaxRetries+1 {
		t.Errorf("expected %d transport calls, got %d", domain.DefaultMaxRetries+1, got)
	}
	if got := e.batch(t, b.ID); got.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed batch, got %s", got.Status)
	}
}

func TestDeliver_PermanentFailure(t *testing.T) {
	e := newEnv(t, func(int, transport.Envelope) error {
		return domain.NewPermanentError(550, errors.New("mailbox unavailable"))
	})
	b, msgs := e.seedScheduled(t, 1)

	out, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeFailed {
		t.Fatalf("expected failed, got %s", out)
	}

	m := e.message(t, msgs[0].ID)
	if m.Status != domain.MessageStatusFailed || m.RetryCount != 0 {
		t.Errorf("expected failed with retry_count 0, got %s/%d", m.Status, m.RetryCount)
	}
	if m.LastError == nil || m.LastError.Kind != domain.ErrorKindPermanent {
		t.Errorf("unexpected last_error: %+v", m.LastError)
	}
	if got := e.batch(t, b.ID); got.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed batch, got %s", got.Status)
	}
	if len(e.events.batches) != 1 || e.events.batches[0].Failed != 1 {
		t.Errorf("unexpected batch events: %+v", e.events.batches)
	}
}

func TestDeliver_Bounce(t *testing.T) {
	e := newEnv(t, func(int, transport.Envelope) error {
		return domain.NewBounceError(550, errors.New("no such user"))
	})
	_, msgs := e.seedScheduled(t, 1)

	out, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeBounced {
		t.Fatalf("expected bounced, got %s", out)
	}
	if m := e.message(t, msgs[0].ID); m.Status != domain.MessageStatusBounced {
		t.Errorf("expected bounced, got %s", m.Status)
	}
}

func TestDeliver_BatchCancelledMidFlight(t *testing.T) {
	var e *env
	var batchID uuid.UUID
	e = newEnv(t, func(int, transport.Envelope) error {
		_, err := repo.UpdateBatch(context.Background(), e.store, batchID, e.clock.Now(),
			func(b *domain.Batch, _ []*domain.Message) ([]*domain.Message, error) {
				return nil, b.MarkCancelled(e.clock.Now())
			})
		if err != nil {
			t.Errorf("cancel batch: %v", err)
		}
		return transientErr()
	})
	b, msgs := e.seedScheduled(t, 1)
	batchID = b.ID

	out, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", out)
	}

	m := e.message(t, msgs[0].ID)
	if m.Status != domain.MessageStatusCancelled || m.RetryCount != 0 {
		t.Errorf("expected cancelled without retry, got %s/%d", m.Status, m.RetryCount)
	}
	if got := e.batch(t, b.ID); got.Status != domain.BatchStatusCancelled {
		t.Errorf("expected cancelled batch, got %s", got.Status)
	}
}

func TestDeliver_SkipsCancelledBatch(t *testing.T) {
	e := newEnv(t, nil)
	b, msgs := e.seedScheduled(t, 1)
	_, err := repo.UpdateBatch(context.Background(), e.store, b.ID, monday,
		func(b *domain.Batch, _ []*domain.Message) ([]*domain.Message, error) {
			return nil, b.MarkCancelled(monday)
		})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeSkipped || e.transport.Total() != 0 {
		t.Errorf("expected skip without send, got %s and %d calls", out, e.transport.Total())
	}
}

func TestDeliver_ConcurrentClaims(t *testing.T) {
	e := newEnv(t, nil)
	const n = 20
	b, msgs := e.seedScheduled(t, n)

	var sent atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, m := range msgs {
				out, err := e.worker.Deliver(context.Background(), m.ID)
				if err != nil {
					t.Errorf("deliver: %v", err)
					return
				}
				if out == OutcomeSent {
					sent.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := sent.Load(); got != n {
		t.Errorf("expected %d sends, got %d", n, got)
	}
	for _, m := range msgs {
		if c := e.transport.Calls(m.TrackingKey); c != 1 {
			t.Errorf("message %s sent %d times", m.TrackingKey, c)
		}
	}

	got := e.batch(t, b.ID)
	if got.Counters.Sent != n || got.Counters.Sum() != got.Counters.Total {
		t.Errorf("unexpected counters: %+v", got.Counters)
	}
	if got.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if len(e.events.batches) != 1 {
		t.Errorf("expected one batch.finished event, got %d", len(e.events.batches))
	}
}

func TestDeliver_ClaimLost(t *testing.T) {
	var e *env
	e = newEnv(t, func(int, transport.Envelope) error {
		// Воркер «завис» дольше срока захвата, reaper успел вернуть сообщение.
		e.clock.Set(monday.Add(time.Hour))
		if n, err := e.worker.Reap(context.Background()); err != nil || n != 1 {
			t.Errorf("reap: n=%d err=%v", n, err)
		}
		return nil
	})
	_, msgs := e.seedScheduled(t, 1)

	_, err := e.worker.Deliver(context.Background(), msgs[0].ID)
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	m := e.message(t, msgs[0].ID)
	if m.Status != domain.MessageStatusScheduled {
		t.Errorf("expected scheduled after reclaim, got %s", m.Status)
	}
}

func TestReap(t *testing.T) {
	e := newEnv(t, nil)
	_, msgs := e.seedScheduled(t, 2)

	_, _, err := repo.UpdateMessage(context.Background(), e.store, msgs[0].ID, monday,
		func(m *domain.Message, _ *domain.Batch) error {
			return m.Claim(uuid.New(), monday.Add(time.Minute), monday)
		})
	if err != nil {
		t.Fatal(err)
	}

	n, err := e.worker.Reap(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("claim not expired yet: n=%d err=%v", n, err)
	}

	e.clock.Set(monday.Add(2 * time.Minute))
	n, err = e.worker.Reap(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	m := e.message(t, msgs[0].ID)
	if m.Status != domain.MessageStatusScheduled || m.ClaimToken != nil {
		t.Errorf("expected scheduled without claim, got %s", m.Status)
	}
	if m.RetryCount != 0 {
		t.Errorf("reclaim must not consume retry budget, got %d", m.RetryCount)
	}
	if m.LastError == nil || m.LastError.Kind != domain.ErrorKindClaimExpired {
		t.Errorf("unexpected last_error: %+v", m.LastError)
	}
}

func TestReap_CancelledBatch(t *testing.T) {
	e := newEnv(t, nil)
	b, msgs := e.seedScheduled(t, 1)

	_, _, err := repo.UpdateMessage(context.Background(), e.store, msgs[0].ID, monday,
		func(m *domain.Message, b *domain.Batch) error {
			if err := m.Claim(uuid.New(), monday.Add(time.Minute), monday); err != nil {
				return err
			}
			return b.MarkCancelled(monday)
		})
	if err != nil {
		t.Fatal(err)
	}

	e.clock.Set(monday.Add(2 * time.Minute))
	if _, err := e.worker.Reap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m := e.message(t, msgs[0].ID); m.Status != domain.MessageStatusCancelled {
		t.Errorf("expected cancelled, got %s", m.Status)
	}
	if got := e.batch(t, b.ID); got.Counters.Cancelled != 1 {
		t.Errorf("unexpected counters: %+v", got.Counters)
	}
}

func TestWorker_StartStop(t *testing.T) {
	e := newEnv(t, nil)
	const n = 10
	b, _ := e.seedScheduled(t, n)

	if err := e.worker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := e.batch(t, b.ID); got.Status == domain.BatchStatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.worker.Stop()
	if !e.worker.IsStopped() {
		t.Error("expected stopped")
	}

	got := e.batch(t, b.ID)
	if got.Status != domain.BatchStatusCompleted || got.Counters.Sent != n {
		t.Errorf("expected all sent, got %s %+v", got.Status, got.Counters)
	}
	if e.transport.Total() != n {
		t.Errorf("expected %d transport calls, got %d", n, e.transport.Total())
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Minute, Max: time.Hour}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	low := Backoff{Base: time.Minute, Max: time.Hour, Jitter: 0.2, rnd: func() float64 { return 0 }}
	if got := low.Delay(0); got != 48*time.Second {
		t.Errorf("low jitter: got %s", got)
	}
	mid := Backoff{Base: time.Minute, Max: time.Hour, Jitter: 0.2, rnd: func() float64 { return 0.5 }}
	if got := mid.Delay(0); got != time.Minute {
		t.Errorf("mid jitter: got %s", got)
	}

	// Случайный джиттер остаётся в пределах ±Jitter.
	b := Backoff{Base: time.Minute, Max: time.Hour, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := b.Delay(3)
		if got < 4*time.Minute || got > 12*time.Minute {
			t.Fatalf("delay %s out of bounds", got)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{Store: repo.NewMemoryStore(), SendTimeout: time.Minute, ClaimTTL: 30 * time.Second})

	if w.transport.Name() != "log" {
		t.Errorf("expected log transport, got %s", w.transport.Name())
	}
	if w.claimTTL <= w.sendTimeout {
		t.Errorf("claim ttl %s must exceed send timeout %s", w.claimTTL, w.sendTimeout)
	}
	if w.concurrency != defaultConcurrency || w.batchSize != defaultBatchSize {
		t.Errorf("unexpected defaults: %d/%d", w.concurrency, w.batchSize)
	}
	if w.backoff.Jitter != defaultBackoffJitter {
		t.Errorf("expected default jitter, got %v", w.backoff.Jitter)
	}
	if w.limiter != nil {
		t.Error("limiter must be nil without SendRate")
	}

	w = New(Config{Store: repo.NewMemoryStore(), SendRate: 5})
	if w.limiter == nil || w.limiter.Burst() != 1 {
		t.Error("expected limiter with burst 1")
	}
}
