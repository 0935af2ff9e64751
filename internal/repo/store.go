package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
)

// Slot — занятый момент отправки владельца (назначенный или уже состоявшийся).
type Slot struct {
	MessageID uuid.UUID
	At        time.Time
	Domain    string
}

// MessageFilter — параметры выборки сообщений.
type MessageFilter struct {
	BatchID uuid.UUID
	Status  domain.MessageStatus // пусто — все статусы
	Limit   int
	Offset  int
}

// Tx — единица работы внутри транзакции.
//
// Get* и List* блокируют прочитанные строки до конца транзакции.
// Порядок блокировок: владелец → батч → сообщения.
type Tx interface {
	// LockOwner сериализует планирование в пределах одного владельца.
	LockOwner(ctx context.Context, ownerID string) error

	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error)

	// ListBatchMessages возвращает сообщения батча в порядке ранжирования.
	// Без statuses — все сообщения.
	ListBatchMessages(ctx context.Context, batchID uuid.UUID, statuses ...domain.MessageStatus) ([]*domain.Message, error)

	InsertBatch(ctx context.Context, b *domain.Batch, msgs []*domain.Message) error
	UpdateBatch(ctx context.Context, b *domain.Batch) error
	UpdateMessage(ctx context.Context, m *domain.Message) error
	DeleteBatch(ctx context.Context, id uuid.UUID) error

	// CountByStatus возвращает распределение статусов сообщений батча.
	CountByStatus(ctx context.Context, batchID uuid.UUID) (map[domain.MessageStatus]int, error)

	// OwnerSlots возвращает занятые слоты владельца в [from, to]:
	// scheduled_time сообщений в SCHEDULED/SENDING и sent_at отправленных.
	OwnerSlots(ctx context.Context, ownerID string, from, to time.Time) ([]Slot, error)
}

// Store — хранилище батчей и сообщений.
//
// Реализации: PGStore (PostgreSQL) и MemoryStore (in-process).
type Store interface {
	// InTx выполняет fn в транзакции. Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	ListBatches(ctx context.Context, ownerID string, limit int) ([]*domain.Batch, error)

	// ListSchedulable возвращает активные батчи, у которых есть сообщения в APPROVED.
	ListSchedulable(ctx context.Context, limit int) ([]uuid.UUID, error)

	GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	GetMessageByTrackingKey(ctx context.Context, key string) (*domain.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*domain.Message, error)

	// ListDue возвращает сообщения в SCHEDULED с scheduled_time <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error)

	// ListExpiredClaims возвращает сообщения в SENDING с истёкшим захватом.
	ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error)
}

// MessageFunc меняет сообщение на месте. Батч передаётся для проверок.
type MessageFunc func(m *domain.Message, b *domain.Batch) error

// BatchFunc меняет батч и его сообщения. Возвращает изменённые сообщения.
type BatchFunc func(b *domain.Batch, msgs []*domain.Message) ([]*domain.Message, error)

// UpdateMessage атомарно применяет fn к сообщению и пересчитывает батч.
//
// Ошибка fn откатывает транзакцию: ни сообщение, ни счётчики не меняются.
func UpdateMessage(ctx context.Context, s Store, id uuid.UUID, now time.Time, fn MessageFunc) (*domain.Message, *domain.Batch, error) {
	cur, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var msg *domain.Message
	var batch *domain.Batch
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBatch(ctx, cur.BatchID)
		if err != nil {
			return err
		}
		m, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}

		if err := fn(m, b); err != nil {
			return err
		}
		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}
		if err := Recount(ctx, tx, b, now); err != nil {
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

// UpdateBatch атомарно применяет fn к батчу и всем его сообщениям.
func UpdateBatch(ctx context.Context, s Store, id uuid.UUID, now time.Time, fn BatchFunc) (*domain.Batch, error) {
	var batch *domain.Batch
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		msgs, err := tx.ListBatchMessages(ctx, id)
		if err != nil {
			return err
		}

		changed, err := fn(b, msgs)
		if err != nil {
			return err
		}
		for _, m := range changed {
			if err := tx.UpdateMessage(ctx, m); err != nil {
				return err
			}
		}
		if err := Recount(ctx, tx, b, now); err != nil {
			return err
		}

		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Recount пересчитывает счётчики и статус батча внутри транзакции.
func Recount(ctx context.Context, tx Tx, b *domain.Batch, now time.Time) error {
	counts, err := tx.CountByStatus(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("count statuses: %w", err)
	}
	b.Recompute(counts, now)
	if b.Counters.Sum() != b.Counters.Total {
		return fmt.Errorf("batch %s counters out of sync: sum %d, total %d", b.ID, b.Counters.Sum(), b.Counters.Total)
	}
	return tx.UpdateBatch(ctx, b)
}
