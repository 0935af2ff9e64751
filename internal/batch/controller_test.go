package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/content"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/matching"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/scheduler"
)

var monday = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type generatorFunc func(ctx context.Context, r content.Requester, rec matching.Ranked) (content.Content, error)

func (f generatorFunc) Generate(ctx context.Context, r content.Requester, rec matching.Ranked) (content.Content, error) {
	return f(ctx, r, rec)
}

type fakeEvents struct {
	mu       sync.Mutex
	approved []uuid.UUID
	finished []mq.BatchFinishedPayload
}

func (e *fakeEvents) PublishBatchApproved(_ context.Context, id uuid.UUID, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approved = append(e.approved, id)
	return nil
}

func (e *fakeEvents) PublishBatchFinished(_ context.Context, p mq.BatchFinishedPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, p)
	return nil
}

var requester = content.Requester{
	Name:        "Ada Lovelace",
	Email:       "ada@example.org",
	Institution: "Analytical Society",
	Interests:   []string{"graph theory", "distributed systems"},
}

func candidates(n int) []matching.Candidate {
	out := make([]matching.Candidate, n)
	for i := range out {
		out[i] = matching.Candidate{
			ID:        fmt.Sprintf("c%02d", i),
			Name:      fmt.Sprintf("Dr. %d", i),
			Address:   fmt.Sprintf("c%d@uni%d.edu", i, i),
			Interests: []string{"distributed systems"},
		}
	}
	return out
}

type fixture struct {
	store  *repo.MemoryStore
	events *fakeEvents
	ctrl   *Controller
}

func newFixture(t *testing.T, gen content.Generator) *fixture {
	t.Helper()
	f := &fixture{store: repo.NewMemoryStore(), events: &fakeEvents{}}
	ctrl, err := New(Config{
		Store:     f.store,
		Generator: gen,
		Events:    f.events,
		MaxBatch:  10,
		Now:       func() time.Time { return monday },
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	return f
}

func (f *fixture) create(t *testing.T, cands []matching.Candidate) *domain.Batch {
	t.Helper()
	b, err := f.ctrl.CreateBatch(context.Background(), CreateRequest{
		OwnerID:    "owner",
		Name:       "spring outreach",
		Requester:  requester,
		Candidates: cands,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func (f *fixture) messages(t *testing.T, batchID uuid.UUID) []*domain.Message {
	t.Helper()
	msgs, err := f.ctrl.ListMessages(context.Background(), batchID, "", 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func checkCounters(t *testing.T, b *domain.Batch) {
	t.Helper()
	if b.Counters.Sum() != b.Counters.Total {
		t.Fatalf("counters out of sync: %+v", b.Counters)
	}
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t, nil)

	cands := candidates(3)
	cands[2].Interests = []string{"graph theory", "distributed systems"}
	cands[1].Timezone = ""
	cands[1].Country = "Germany"

	b := f.create(t, cands)
	if b.Status != domain.BatchStatusDraft {
		t.Errorf("expected draft, got %s", b.Status)
	}
	if b.Counters.Total != 3 || b.Counters.Draft != 3 {
		t.Errorf("unexpected counters: %+v", b.Counters)
	}
	checkCounters(t, b)
	if b.Policy.MaxPerHour != domain.DefaultMaxPerHour || b.Policy.MinInterval != domain.DefaultMinInterval {
		t.Errorf("expected default policy, got %+v", b.Policy)
	}

	msgs := f.messages(t, b.ID)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// c02 совпадает по двум интересам и идёт первым.
	if msgs[0].Recipient.ID != "c02" {
		t.Errorf("expected c02 ranked first, got %s", msgs[0].Recipient.ID)
	}

	keys := make(map[string]bool)
	for _, m := range msgs {
		if m.Status != domain.MessageStatusDraft || !m.HasContent() {
			t.Errorf("message %s: status %s, content %v", m.Recipient.ID, m.Status, m.HasContent())
		}
		if len(m.TrackingKey) != 26 || keys[m.TrackingKey] {
			t.Errorf("bad tracking key %q", m.TrackingKey)
		}
		keys[m.TrackingKey] = true
		if m.MaxRetries != domain.DefaultMaxRetries {
			t.Errorf("unexpected max_retries %d", m.MaxRetries)
		}
	}
	for _, m := range msgs {
		if m.Recipient.ID == "c01" && m.Recipient.Timezone != "Europe/Berlin" {
			t.Errorf("expected timezone from country, got %q", m.Recipient.Timezone)
		}
	}
	if !strings.Contains(msgs[0].Subject, "graph theory") {
		t.Errorf("unexpected subject %q", msgs[0].Subject)
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	f := newFixture(t, nil)

	dup := candidates(2)
	dup[1].Address = strings.ToUpper(dup[0].Address)
	hour, day := 50, 10
	negative := -30 * time.Second

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"no owner", CreateRequest{Candidates: candidates(1)}},
		{"no recipients", CreateRequest{OwnerID: "o"}},
		{"too many", CreateRequest{OwnerID: "o", Candidates: candidates(11)}},
		{"bad address", CreateRequest{OwnerID: "o", Candidates: []matching.Candidate{{Address: "nobody"}}}},
		{"duplicate", CreateRequest{OwnerID: "o", Candidates: dup}},
		{"bad policy", CreateRequest{OwnerID: "o", Candidates: candidates(1), Policy: &domain.PolicySpec{MaxPerHour: &hour, MaxPerDay: &day}}},
		{"negative interval", CreateRequest{OwnerID: "o", Candidates: candidates(1), Policy: &domain.PolicySpec{MinInterval: &negative}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ctrl.CreateBatch(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateBatch_GenerationFailure(t *testing.T) {
	tmpl, err := content.NewTemplateGenerator("", "")
	if err != nil {
		t.Fatal(err)
	}
	down := true
	gen := generatorFunc(func(ctx context.Context, r content.Requester, rec matching.Ranked) (content.Content, error) {
		if down && rec.Candidate.ID == "c01" {
			return content.Content{}, fmt.Errorf("%w: model unavailable", domain.ErrGeneration)
		}
		return tmpl.Generate(ctx, r, rec)
	})
	f := newFixture(t, gen)
	b := f.create(t, candidates(3))

	var failed *domain.Message
	for _, m := range f.messages(t, b.ID) {
		if m.Recipient.ID == "c01" {
			failed = m
		}
	}
	if failed == nil || failed.HasContent() || failed.Status != domain.MessageStatusDraft {
		t.Fatalf("expected draft without content, got %+v", failed)
	}
	if failed.LastError == nil || failed.LastError.Kind != domain.ErrorKindGeneration {
		t.Errorf("unexpected last_error: %+v", failed.LastError)
	}

	b, err = f.ctrl.SubmitForApproval(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Counters.PendingApproval != 2 || b.Counters.Draft != 1 {
		t.Errorf("unexpected counters after submit: %+v", b.Counters)
	}

	b, err = f.ctrl.ApproveBatch(context.Background(), b.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Черновик без контента не отменяется, а ждёт владельца.
	if b.Counters.Approved != 2 || b.Counters.Draft != 1 || b.Counters.Cancelled != 0 {
		t.Errorf("unexpected counters after approve: %+v", b.Counters)
	}
	checkCounters(t, b)

	held, err := f.ctrl.GetMessage(context.Background(), failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != domain.MessageStatusDraft || held.LastError == nil {
		t.Errorf("expected held draft with last_error, got %s %+v", held.Status, held.LastError)
	}

	if _, err := f.ctrl.ApproveMessage(context.Background(), failed.ID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("approve without content: expected validation error, got %v", err)
	}
	down = false
	if _, err := f.ctrl.RegenerateMessage(context.Background(), failed.ID, requester, nil); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	m, err := f.ctrl.ApproveMessage(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("approve message: %v", err)
	}
	if m.Status != domain.MessageStatusApproved || m.LastError != nil {
		t.Errorf("expected approved, got %s %+v", m.Status, m.LastError)
	}

	got, _ := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Counters.Approved != 3 || got.Counters.Draft != 0 {
		t.Errorf("unexpected counters after approve message: %+v", got.Counters)
	}
	checkCounters(t, got)
	if len(f.events.approved) != 2 {
		t.Errorf("expected batch.approved per approval, got %v", f.events.approved)
	}

	// Следующий опрос планировщика видит батч с новым одобренным сообщением.
	ids, err := f.store.ListSchedulable(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != b.ID {
		t.Errorf("expected batch to be schedulable, got %v", ids)
	}
}

func TestApproveBatch_NothingWithContent(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, r content.Requester, rec matching.Ranked) (content.Content, error) {
		return content.Content{}, fmt.Errorf("%w: model unavailable", domain.ErrGeneration)
	})
	f := newFixture(t, gen)
	b := f.create(t, candidates(2))

	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); !errors.Is(err, ErrNothingApproved) {
		t.Fatalf("expected ErrNothingApproved, got %v", err)
	}
	got, _ := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Status != domain.BatchStatusDraft || got.Counters.Draft != 2 {
		t.Errorf("batch must be unchanged, got %s %+v", got.Status, got.Counters)
	}
}

func TestApproveMessage_BatchNotApproved(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))
	msgs := f.messages(t, b.ID)

	if _, err := f.ctrl.ApproveMessage(context.Background(), msgs[0].ID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.ctrl.ApproveMessage(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.ApproveMessage(context.Background(), msgs[0].ID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("already approved: expected validation error, got %v", err)
	}
}

func TestCancelMessage_FinishesBatch(t *testing.T) {
	tmpl, err := content.NewTemplateGenerator("", "")
	if err != nil {
		t.Fatal(err)
	}
	gen := generatorFunc(func(ctx context.Context, r content.Requester, rec matching.Ranked) (content.Content, error) {
		if rec.Candidate.ID == "c01" {
			return content.Content{}, fmt.Errorf("%w: model unavailable", domain.ErrGeneration)
		}
		return tmpl.Generate(ctx, r, rec)
	})
	f := newFixture(t, gen)
	b := f.create(t, candidates(2))
	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); err != nil {
		t.Fatal(err)
	}

	var sent, held uuid.UUID
	for _, m := range f.messages(t, b.ID) {
		if m.Recipient.ID == "c01" {
			held = m.ID
		} else {
			sent = m.ID
		}
	}
	_, _, err = repo.UpdateMessage(context.Background(), f.store, sent, monday, func(m *domain.Message, _ *domain.Batch) error {
		if err := m.Schedule(monday, monday); err != nil {
			return err
		}
		if err := m.Claim(uuid.New(), monday.Add(time.Minute), monday); err != nil {
			return err
		}
		return m.MarkSent("p-1", monday)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Батч ждёт удержанный черновик.
	got, _ := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Status != domain.BatchStatusSending {
		t.Fatalf("expected sending, got %s", got.Status)
	}

	m, err := f.ctrl.CancelMessage(context.Background(), held)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MessageStatusCancelled {
		t.Errorf("expected cancelled, got %s", m.Status)
	}

	got, _ = f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Status != domain.BatchStatusCompleted || got.CompletedAt == nil {
		t.Errorf("expected completed, got %s", got.Status)
	}
	checkCounters(t, got)
	if len(f.events.finished) != 1 || f.events.finished[0].Status != "completed" || f.events.finished[0].Succeeded != 1 {
		t.Errorf("expected batch.finished event, got %+v", f.events.finished)
	}

	if _, err := f.ctrl.CancelMessage(context.Background(), sent); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("cancel sent message: expected validation error, got %v", err)
	}
}

func TestApproveBatch_Subset(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(3))
	msgs := f.messages(t, b.ID)

	b, err := f.ctrl.ApproveBatch(context.Background(), b.ID, []uuid.UUID{msgs[0].ID, msgs[2].ID})
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BatchStatusApproved || b.ApprovedAt == nil {
		t.Errorf("expected approved, got %s", b.Status)
	}
	if b.Counters.Approved != 2 || b.Counters.Cancelled != 1 || b.Counters.Total != 3 {
		t.Errorf("unexpected counters: %+v", b.Counters)
	}
	checkCounters(t, b)

	if len(f.events.approved) != 1 || f.events.approved[0] != b.ID {
		t.Errorf("expected batch.approved event, got %v", f.events.approved)
	}

	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("second approve: expected validation error, got %v", err)
	}
}

func TestApproveBatch_ForeignMessage(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(2))

	_, err := f.ctrl.ApproveBatch(context.Background(), b.ID, []uuid.UUID{uuid.New()})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	got, _ := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Status != domain.BatchStatusDraft || got.Counters.Draft != 2 {
		t.Errorf("batch must be unchanged, got %s %+v", got.Status, got.Counters)
	}
}

func TestApproveBatch_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ctrl.ApproveBatch(context.Background(), uuid.New(), nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// advance переводит сообщение в SCHEDULED или SENDING в обход планировщика.
func advance(t *testing.T, s repo.Store, id uuid.UUID, to domain.MessageStatus, token uuid.UUID) {
	t.Helper()
	_, _, err := repo.UpdateMessage(context.Background(), s, id, monday, func(m *domain.Message, _ *domain.Batch) error {
		if err := m.Schedule(monday, monday); err != nil {
			return err
		}
		if to == domain.MessageStatusSending {
			return m.Claim(token, monday.Add(2*time.Minute), monday)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("advance to %s: %v", to, err)
	}
}

func TestCancelBatch_MixedStates(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(3))
	b, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	msgs := f.messages(t, b.ID)

	token := uuid.New()
	advance(t, f.store, msgs[1].ID, domain.MessageStatusScheduled, uuid.Nil)
	advance(t, f.store, msgs[2].ID, domain.MessageStatusSending, token)

	b, err = f.ctrl.CancelBatch(context.Background(), b.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BatchStatusCancelled || b.CompletedAt == nil {
		t.Errorf("expected cancelled, got %s", b.Status)
	}
	if b.Counters.Cancelled != 2 || b.Counters.Sending != 1 {
		t.Errorf("unexpected counters: %+v", b.Counters)
	}
	checkCounters(t, b)
	if len(f.events.finished) != 1 || f.events.finished[0].Status != "cancelled" {
		t.Errorf("expected batch.finished event, got %+v", f.events.finished)
	}

	// Попытка в полёте завершается временной ошибкой: повтора нет.
	sched := scheduler.New(scheduler.Config{Store: f.store, Now: func() time.Time { return monday }})
	cause := &domain.ErrorInfo{Kind: domain.ErrorKindTransient, Message: "timeout"}
	m, b, err := sched.Reschedule(context.Background(), msgs[2].ID, token, monday.Add(time.Minute), cause, monday)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MessageStatusCancelled || m.RetryCount != 0 {
		t.Errorf("expected cancelled without retry, got %s/%d", m.Status, m.RetryCount)
	}
	if b.Counters.Cancelled != 3 || b.Status != domain.BatchStatusCancelled {
		t.Errorf("unexpected batch after in-flight attempt: %s %+v", b.Status, b.Counters)
	}

	if _, err := f.ctrl.CancelBatch(context.Background(), b.ID, "owner"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("second cancel: expected validation error, got %v", err)
	}
}

func TestDeleteBatch(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(2))
	msgs := f.messages(t, b.ID)
	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.DeleteBatch(context.Background(), b.ID, "owner"); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("expected ErrBatchActive, got %v", err)
	}
	if _, err := f.ctrl.CancelBatch(context.Background(), b.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.DeleteBatch(context.Background(), b.ID, "owner"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := f.ctrl.GetBatchStatus(context.Background(), b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("batch: expected not found, got %v", err)
	}
	if _, err := f.ctrl.GetMessage(context.Background(), msgs[0].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("message: expected not found, got %v", err)
	}
}

func TestBatchOwnership(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))

	if _, err := f.ctrl.CancelBatch(context.Background(), b.ID, "intruder"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancel: expected not found, got %v", err)
	}
	if err := f.ctrl.DeleteBatch(context.Background(), b.ID, "intruder"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("delete: expected not found, got %v", err)
	}
	if _, err := f.ctrl.CancelBatch(context.Background(), b.ID, " "); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("cancel without owner: expected validation error, got %v", err)
	}
	if err := f.ctrl.DeleteBatch(context.Background(), b.ID, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("delete without owner: expected validation error, got %v", err)
	}

	got, err := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("batch must survive: %v", err)
	}
	if got.Status != domain.BatchStatusDraft {
		t.Errorf("batch must be unchanged, got %s", got.Status)
	}
	if len(f.events.finished) != 0 {
		t.Errorf("unexpected batch.finished: %+v", f.events.finished)
	}
}

func TestListMessages_StatusFilter(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(3))
	msgs := f.messages(t, b.ID)
	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, []uuid.UUID{msgs[0].ID}); err != nil {
		t.Fatal(err)
	}

	got, err := f.ctrl.ListMessages(context.Background(), b.ID, "cancelled", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 cancelled, got %d", len(got))
	}

	if _, err := f.ctrl.ListMessages(context.Background(), b.ID, "lost", 0, 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.ctrl.ListMessages(context.Background(), uuid.New(), "", 0, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdateMessage_ImmutableAfterApproval(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))
	msgs := f.messages(t, b.ID)

	subject := "Quick question"
	m, err := f.ctrl.UpdateMessage(context.Background(), msgs[0].ID, domain.MessagePatch{Subject: &subject})
	if err != nil {
		t.Fatal(err)
	}
	if m.Subject != subject {
		t.Errorf("subject not updated: %q", m.Subject)
	}

	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.UpdateMessage(context.Background(), msgs[0].ID, domain.MessagePatch{Subject: &subject}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error after approval, got %v", err)
	}
	if _, err := f.ctrl.RegenerateMessage(context.Background(), msgs[0].ID, requester, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("regenerate: expected validation error, got %v", err)
	}
}

func TestRegenerateMessage(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))
	msgs := f.messages(t, b.ID)

	m, err := f.ctrl.RegenerateMessage(context.Background(), msgs[0].ID, requester, &matching.Candidate{Interests: []string{"graph theory"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.Subject, "graph theory") {
		t.Errorf("unexpected subject %q", m.Subject)
	}
	if m.Status != domain.MessageStatusDraft {
		t.Errorf("status must not change, got %s", m.Status)
	}
}

func TestUpdateBatch_Policy(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))

	name := "renamed"
	hour, day, interval := 5, 50, time.Minute
	b, err := f.ctrl.UpdateBatch(context.Background(), b.ID, domain.BatchPatch{
		Name:   &name,
		Policy: &domain.PolicySpec{MaxPerHour: &hour, MaxPerDay: &day, MinInterval: &interval},
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name != name || b.Policy.MaxPerHour != 5 || b.Policy.MinInterval != time.Minute {
		t.Errorf("patch not applied: %+v", b)
	}

	negative := -30 * time.Second
	_, err = f.ctrl.UpdateBatch(context.Background(), b.ID, domain.BatchPatch{
		Policy: &domain.PolicySpec{MinInterval: &negative},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "policy.min_interval" {
		t.Fatalf("expected policy.min_interval validation error, got %v", err)
	}
	got, _ := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Policy.MinInterval != time.Minute {
		t.Errorf("policy must be unchanged, got %v", got.Policy.MinInterval)
	}
}

func TestListBatches(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, candidates(1))
	f.create(t, candidates(2))

	got, err := f.ctrl.ListBatches(context.Background(), "owner", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 batches, got %d", len(got))
	}
	if _, err := f.ctrl.ListBatches(context.Background(), "", 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRecordEvent(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))
	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); err != nil {
		t.Fatal(err)
	}
	msgs := f.messages(t, b.ID)
	key := msgs[0].TrackingKey

	_, _, err := repo.UpdateMessage(context.Background(), f.store, msgs[0].ID, monday, func(m *domain.Message, _ *domain.Batch) error {
		if err := m.Schedule(monday, monday); err != nil {
			return err
		}
		if err := m.Claim(uuid.New(), monday.Add(time.Minute), monday); err != nil {
			return err
		}
		return m.MarkSent("p-1", monday)
	})
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		event Event
		want  domain.MessageStatus
	}{
		{EventDelivered, domain.MessageStatusDelivered},
		{EventOpened, domain.MessageStatusOpened},
		{EventOpened, domain.MessageStatusOpened},
		{EventDelivered, domain.MessageStatusOpened},
		{EventReplied, domain.MessageStatusReplied},
	}
	for i, s := range steps {
		m, err := f.ctrl.RecordEvent(context.Background(), key, s.event, time.Time{})
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, s.event, err)
		}
		if m.Status != s.want {
			t.Errorf("step %d (%s): got %s, want %s", i, s.event, m.Status, s.want)
		}
	}

	m, _ := f.ctrl.GetMessage(context.Background(), msgs[0].ID)
	if m.DeliveredAt == nil || m.OpenedAt == nil || m.RepliedAt == nil {
		t.Error("expected engagement timestamps")
	}

	if _, err := f.ctrl.RecordEvent(context.Background(), key, EventBounced, time.Time{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("bounce after reply: expected invalid transition, got %v", err)
	}
	if _, err := f.ctrl.RecordEvent(context.Background(), "missing", EventOpened, time.Time{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	got, _ := f.ctrl.GetBatchStatus(context.Background(), b.ID)
	if got.Status != domain.BatchStatusCompleted || got.Counters.Replied != 1 {
		t.Errorf("unexpected batch: %s %+v", got.Status, got.Counters)
	}
	checkCounters(t, got)
}

func TestRecordEvent_ClockSkew(t *testing.T) {
	f := newFixture(t, nil)
	b := f.create(t, candidates(1))
	if _, err := f.ctrl.ApproveBatch(context.Background(), b.ID, nil); err != nil {
		t.Fatal(err)
	}
	msgs := f.messages(t, b.ID)

	sentAt := monday.Add(-10 * time.Minute)
	_, _, err := repo.UpdateMessage(context.Background(), f.store, msgs[0].ID, sentAt, func(m *domain.Message, _ *domain.Batch) error {
		if err := m.Schedule(sentAt, sentAt); err != nil {
			return err
		}
		if err := m.Claim(uuid.New(), sentAt.Add(time.Minute), sentAt); err != nil {
			return err
		}
		return m.MarkSent("p-1", sentAt)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Часы провайдера отстают: delivered раньше отправки, opened ещё раньше.
	if _, err := f.ctrl.RecordEvent(context.Background(), msgs[0].TrackingKey, EventDelivered, sentAt.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	m, err := f.ctrl.RecordEvent(context.Background(), msgs[0].TrackingKey, EventOpened, sentAt.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if m.DeliveredAt == nil || m.DeliveredAt.Before(*m.SentAt) {
		t.Errorf("delivered_at %v before sent_at %v", m.DeliveredAt, m.SentAt)
	}
	if m.OpenedAt == nil || m.OpenedAt.Before(*m.DeliveredAt) {
		t.Errorf("opened_at %v before delivered_at %v", m.OpenedAt, m.DeliveredAt)
	}
	for i := 1; i < len(m.History); i++ {
		if m.History[i].At.Before(m.History[i-1].At) {
			t.Errorf("history out of order at %d: %v < %v", i, m.History[i].At, m.History[i-1].At)
		}
	}

	// Время в пределах порядка сохраняется как есть.
	later := monday.Add(-time.Minute)
	m, err = f.ctrl.RecordEvent(context.Background(), msgs[0].TrackingKey, EventReplied, later)
	if err != nil {
		t.Fatal(err)
	}
	if m.RepliedAt == nil || !m.RepliedAt.Equal(later) {
		t.Errorf("replied_at = %v, want %v", m.RepliedAt, later)
	}
}

func TestParseEvent(t *testing.T) {
	if e, err := ParseEvent(" Opened "); err != nil || e != EventOpened {
		t.Errorf("got %q, %v", e, err)
	}
	if _, err := ParseEvent("clicked"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
