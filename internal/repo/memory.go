package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
)

// MemoryStore — хранилище в памяти процесса.
//
// Транзакции сериализуются одним мьютексом; изменения накапливаются
// в транзакции и применяются только при успешном завершении fn.
// Используется в тестах и в однопроцессном режиме.
type MemoryStore struct {
	mu       sync.RWMutex
	batches  map[uuid.UUID]*domain.Batch
	messages map[uuid.UUID]*domain.Message
	order    map[uuid.UUID][]uuid.UUID
	byKey    map[string]uuid.UUID
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[uuid.UUID]*domain.Batch),
		messages: make(map[uuid.UUID]*domain.Message),
		order:    make(map[uuid.UUID][]uuid.UUID),
		byKey:    make(map[string]uuid.UUID),
	}
}

var _ Store = (*MemoryStore)(nil)

// InTx выполняет fn под эксклюзивной блокировкой хранилища.
//
// Внутри fn нельзя вызывать методы чтения MemoryStore: только Tx.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		batches:  make(map[uuid.UUID]*domain.Batch),
		messages: make(map[uuid.UUID]*domain.Message),
		order:    make(map[uuid.UUID][]uuid.UUID),
		deleted:  make(map[uuid.UUID]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetBatch возвращает батч по ID.
func (s *MemoryStore) GetBatch(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.withIDs(b), nil
}

// ListBatches возвращает батчи владельца, новые первыми.
func (s *MemoryStore) ListBatches(_ context.Context, ownerID string, limit int) ([]*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Batch
	for _, b := range s.batches {
		if ownerID != "" && b.OwnerID != ownerID {
			continue
		}
		out = append(out, s.withIDs(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSchedulable возвращает активные батчи с сообщениями в APPROVED.
func (s *MemoryStore) ListSchedulable(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uuid.UUID
	for id, b := range s.batches {
		if !b.Status.IsActive() {
			continue
		}
		for _, mid := range s.order[id] {
			if s.messages[mid].Status == domain.MessageStatusApproved {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetMessage возвращает сообщение по ID.
func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// GetMessageByTrackingKey возвращает сообщение по ключу отслеживания.
func (s *MemoryStore) GetMessageByTrackingKey(_ context.Context, key string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.messages[id].Clone(), nil
}

// ListMessages возвращает сообщения батча в порядке ранжирования.
func (s *MemoryStore) ListMessages(_ context.Context, f MessageFilter) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.batches[f.BatchID]; !ok {
		return nil, ErrNotFound
	}

	var out []*domain.Message
	for _, id := range s.order[f.BatchID] {
		m := s.messages[id]
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, m.Clone())
	}
	return paginate(out, f.Offset, f.Limit), nil
}

// ListDue возвращает сообщения, готовые к отправке, в порядке scheduled_time.
func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Message
	for _, m := range s.messages {
		if m.IsDue(now) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(*out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(*out[j].ScheduledTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, 0, limit), nil
}

// ListExpiredClaims возвращает сообщения в SENDING с истёкшим захватом.
func (s *MemoryStore) ListExpiredClaims(_ context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Message
	for _, m := range s.messages {
		if m.ClaimExpired(now) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return paginate(out, 0, limit), nil
}

func (s *MemoryStore) withIDs(b *domain.Batch) *domain.Batch {
	c := b.Clone()
	c.MessageIDs = append([]uuid.UUID(nil), s.order[b.ID]...)
	return c
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// memTx — транзакция MemoryStore. Записи видны только ей до commit.
type memTx struct {
	s        *MemoryStore
	batches  map[uuid.UUID]*domain.Batch
	messages map[uuid.UUID]*domain.Message
	order    map[uuid.UUID][]uuid.UUID
	deleted  map[uuid.UUID]bool
}

// LockOwner — no-op: транзакции MemoryStore уже сериализованы.
func (t *memTx) LockOwner(context.Context, string) error { return nil }

func (t *memTx) GetBatch(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	b := t.batch(id)
	if b == nil {
		return nil, ErrNotFound
	}
	c := b.Clone()
	c.MessageIDs = append([]uuid.UUID(nil), t.batchOrder(id)...)
	return c, nil
}

func (t *memTx) GetMessage(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	m := t.message(id)
	if m == nil {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (t *memTx) ListBatchMessages(_ context.Context, batchID uuid.UUID, statuses ...domain.MessageStatus) ([]*domain.Message, error) {
	if t.batch(batchID) == nil {
		return nil, ErrNotFound
	}
	var out []*domain.Message
	for _, id := range t.batchOrder(batchID) {
		m := t.message(id)
		if m == nil || !statusIn(m.Status, statuses) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (t *memTx) InsertBatch(_ context.Context, b *domain.Batch, msgs []*domain.Message) error {
	if t.batch(b.ID) != nil {
		return ErrAlreadyExists
	}
	seen := make(map[string]bool, len(msgs))
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := t.s.byKey[m.TrackingKey]; ok || seen[m.TrackingKey] {
			return ErrAlreadyExists
		}
		seen[m.TrackingKey] = true
		t.messages[m.ID] = m.Clone()
		ids = append(ids, m.ID)
	}
	t.batches[b.ID] = b.Clone()
	t.order[b.ID] = ids
	return nil
}

func (t *memTx) UpdateBatch(_ context.Context, b *domain.Batch) error {
	if t.batch(b.ID) == nil {
		return ErrNotFound
	}
	t.batches[b.ID] = b.Clone()
	return nil
}

func (t *memTx) UpdateMessage(_ context.Context, m *domain.Message) error {
	if t.message(m.ID) == nil {
		return ErrNotFound
	}
	t.messages[m.ID] = m.Clone()
	return nil
}

func (t *memTx) DeleteBatch(_ context.Context, id uuid.UUID) error {
	if t.batch(id) == nil {
		return ErrNotFound
	}
	t.deleted[id] = true
	return nil
}

func (t *memTx) CountByStatus(_ context.Context, batchID uuid.UUID) (map[domain.MessageStatus]int, error) {
	counts := make(map[domain.MessageStatus]int)
	for _, id := range t.batchOrder(batchID) {
		if m := t.message(id); m != nil {
			counts[m.Status]++
		}
	}
	return counts, nil
}

func (t *memTx) OwnerSlots(_ context.Context, ownerID string, from, to time.Time) ([]Slot, error) {
	var out []Slot
	visit := func(m *domain.Message) {
		if m.OwnerID != ownerID || t.deleted[m.BatchID] {
			return
		}
		if at, ok := occupiedAt(m); ok && !at.Before(from) && !at.After(to) {
			out = append(out, Slot{MessageID: m.ID, At: at, Domain: m.Recipient.Domain()})
		}
	}
	for id, m := range t.s.messages {
		if staged, ok := t.messages[id]; ok {
			m = staged
		}
		visit(m)
	}
	for id, m := range t.messages {
		if _, ok := t.s.messages[id]; !ok {
			visit(m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (t *memTx) batch(id uuid.UUID) *domain.Batch {
	if t.deleted[id] {
		return nil
	}
	if b, ok := t.batches[id]; ok {
		return b
	}
	return t.s.batches[id]
}

func (t *memTx) message(id uuid.UUID) *domain.Message {
	m, ok := t.messages[id]
	if !ok {
		m = t.s.messages[id]
	}
	if m == nil || t.deleted[m.BatchID] {
		return nil
	}
	return m
}

func (t *memTx) batchOrder(id uuid.UUID) []uuid.UUID {
	if ids, ok := t.order[id]; ok {
		return ids
	}
	return t.s.order[id]
}

func (t *memTx) commit() {
	s := t.s
	for id, b := range t.batches {
		s.batches[id] = b
	}
	for id, ids := range t.order {
		s.order[id] = ids
	}
	for id, m := range t.messages {
		s.messages[id] = m
		s.byKey[m.TrackingKey] = id
	}
	for id := range t.deleted {
		for _, mid := range s.order[id] {
			if m, ok := s.messages[mid]; ok {
				delete(s.byKey, m.TrackingKey)
			}
			delete(s.messages, mid)
		}
		delete(s.order, id)
		delete(s.batches, id)
	}
}

// occupiedAt возвращает момент, который сообщение занимает в окне лимитов.
func occupiedAt(m *domain.Message) (time.Time, bool) {
	switch {
	case m.SentAt != nil:
		return *m.SentAt, true
	case (m.Status == domain.MessageStatusScheduled || m.Status == domain.MessageStatusSending) && m.ScheduledTime != nil:
		return *m.ScheduledTime, true
	default:
		return time.Time{}, false
	}
}

func statusIn(s domain.MessageStatus, statuses []domain.MessageStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
