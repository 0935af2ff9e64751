package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Outreach/internal/domain"
)

// querier — общее подмножество pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const batchColumns = `
	id, owner_id, name, status, total, counters, max_per_hour, max_per_day, min_interval_ms,
	created_at, approved_at, started_at, completed_at, updated_at`

const messageColumns = `
	id, batch_id, owner_id, recipient_id, recipient_address, recipient_name,
	recipient_timezone, recipient_locale, match_score, match_reasons, subject, body,
	tracking_key, status, scheduled_time, sent_at, delivered_at, opened_at, replied_at,
	retry_count, max_retries, last_error, claim_token, claim_expires_at,
	provider_message_id, history, created_at, updated_at`

// PGStore — хранилище в PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore создаёт PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

// InTx выполняет fn в транзакции READ COMMITTED с блокировками строк.
func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetBatch возвращает батч по ID.
func (s *PGStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	return getBatch(ctx, s.pool, id, false)
}

// ListBatches возвращает батчи владельца, новые первыми.
func (s *PGStore) ListBatches(ctx context.Context, ownerID string, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC, id
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListSchedulable возвращает активные батчи с сообщениями в APPROVED.
func (s *PGStore) ListSchedulable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id
		FROM batches b
		WHERE b.status IN ('approved', 'sending')
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.batch_id = b.id AND m.status = 'approved')
		ORDER BY b.approved_at NULLS LAST, b.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedulable batches: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetMessage возвращает сообщение по ID.
func (s *PGStore) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

// GetMessageByTrackingKey возвращает сообщение по ключу отслеживания.
func (s *PGStore) GetMessageByTrackingKey(ctx context.Context, key string) (*domain.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE tracking_key = $1`, key))
}

// ListMessages возвращает сообщения батча в порядке ранжирования.
func (s *PGStore) ListMessages(ctx context.Context, f MessageFilter) ([]*domain.Message, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, f.BatchID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check batch: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	return queryMessages(ctx, s.pool, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE batch_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY position
		LIMIT $3 OFFSET $4
	`, f.BatchID, string(f.Status), limit, f.Offset)
}

// ListDue возвращает сообщения, готовые к отправке.
func (s *PGStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	return queryMessages(ctx, s.pool, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'scheduled' AND scheduled_time <= $1
		ORDER BY scheduled_time, id
		LIMIT $2
	`, now, limit)
}

// ListExpiredClaims возвращает сообщения в SENDING с истёкшим захватом.
func (s *PGStore) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	return queryMessages(ctx, s.pool, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'sending' AND claim_expires_at < $1
		ORDER BY claim_expires_at, id
		LIMIT $2
	`, now, limit)
}

// pgTx — транзакция PGStore.
type pgTx struct {
	q querier
}

// LockOwner берёт транзакционную advisory-блокировку по владельцу.
func (t *pgTx) LockOwner(ctx context.Context, ownerID string) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}
	return nil
}

func (t *pgTx) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	return getBatch(ctx, t.q, id, true)
}

func (t *pgTx) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return scanMessage(t.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ListBatchMessages(ctx context.Context, batchID uuid.UUID, statuses ...domain.MessageStatus) ([]*domain.Message, error) {
	st := make([]string, len(statuses))
	for i, s := range statuses {
		st[i] = string(s)
	}
	return queryMessages(ctx, t.q, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE batch_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY position
		FOR UPDATE
	`, batchID, st)
}

func (t *pgTx) InsertBatch(ctx context.Context, b *domain.Batch, msgs []*domain.Message) error {
	counters, err := json.Marshal(b.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO batches (id, owner_id, name, status, total, counters, max_per_hour, max_per_day,
		                     min_interval_ms, created_at, approved_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		b.ID, b.OwnerID, b.Name, b.Status, b.Counters.Total, counters,
		b.Policy.MaxPerHour, b.Policy.MaxPerDay, b.Policy.MinInterval.Milliseconds(),
		b.CreatedAt, b.ApprovedAt, b.StartedAt, b.CompletedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", mapPgError(err))
	}

	for i, m := range msgs {
		if err := insertMessage(ctx, t.q, m, i); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateBatch(ctx context.Context, b *domain.Batch) error {
	counters, err := json.Marshal(b.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	result, err := t.q.Exec(ctx, `
		UPDATE batches
		SET name = $2, status = $3, counters = $4, max_per_hour = $5, max_per_day = $6,
		    min_interval_ms = $7, approved_at = $8, started_at = $9, completed_at = $10, updated_at = $11
		WHERE id = $1
	`,
		b.ID, b.Name, b.Status, counters, b.Policy.MaxPerHour, b.Policy.MaxPerDay,
		b.Policy.MinInterval.Milliseconds(), b.ApprovedAt, b.StartedAt, b.CompletedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateMessage(ctx context.Context, m *domain.Message) error {
	lastErr, history, err := marshalMessageJSON(m)
	if err != nil {
		return err
	}
	result, err := t.q.Exec(ctx, `
		UPDATE messages
		SET subject = $2, body = $3, status = $4, scheduled_time = $5, sent_at = $6,
		    delivered_at = $7, opened_at = $8, replied_at = $9, retry_count = $10,
		    last_error = $11, claim_token = $12, claim_expires_at = $13,
		    provider_message_id = $14, history = $15, updated_at = $16
		WHERE id = $1
	`,
		m.ID, m.Subject, m.Body, m.Status, m.ScheduledTime, m.SentAt,
		m.DeliveredAt, m.OpenedAt, m.RepliedAt, m.RetryCount,
		lastErr, m.ClaimToken, m.ClaimExpiresAt,
		nullString(m.ProviderMessageID), history, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	result, err := t.q.Exec(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountByStatus(ctx context.Context, batchID uuid.UUID) (map[domain.MessageStatus]int, error) {
	rows, err := t.q.Query(ctx, `
		SELECT status, COUNT(*) FROM messages WHERE batch_id = $1 GROUP BY status
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.MessageStatus]int)
	for rows.Next() {
		var status domain.MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (t *pgTx) OwnerSlots(ctx context.Context, ownerID string, from, to time.Time) ([]Slot, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, COALESCE(sent_at, scheduled_time) AS at, recipient_domain
		FROM messages
		WHERE owner_id = $1
		  AND (
		        (sent_at IS NOT NULL AND sent_at BETWEEN $2 AND $3)
		     OR (sent_at IS NULL AND status IN ('scheduled', 'sending') AND scheduled_time BETWEEN $2 AND $3)
		  )
		ORDER BY at
	`, ownerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("owner slots: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.MessageID, &s.At, &s.Domain); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Helpers ---

func getBatch(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBatch(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT id FROM messages WHERE batch_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mid uuid.UUID
		if err := rows.Scan(&mid); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		b.MessageIDs = append(b.MessageIDs, mid)
	}
	return b, rows.Err()
}

func insertMessage(ctx context.Context, q querier, m *domain.Message, position int) error {
	lastErr, history, err := marshalMessageJSON(m)
	if err != nil {
		return err
	}
	reasons := m.MatchReasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err = q.Exec(ctx, `
		INSERT INTO messages (id, batch_id, owner_id, position, recipient_id, recipient_address,
		                      recipient_domain, recipient_name, recipient_timezone, recipient_locale,
		                      match_score, match_reasons, subject, body, tracking_key, status,
		                      retry_count, max_retries, last_error, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		m.ID, m.BatchID, m.OwnerID, position, m.Recipient.ID, m.Recipient.Address,
		m.Recipient.Domain(), m.Recipient.Name, m.Recipient.Timezone, m.Recipient.Locale,
		m.MatchScore, reasons, m.Subject, m.Body, m.TrackingKey, m.Status,
		m.RetryCount, m.MaxRetries, lastErr, history, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapPgError(err))
	}
	return nil
}

func queryMessages(ctx context.Context, q querier, sql string, args ...any) ([]*domain.Message, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	var countersJSON []byte
	var minIntervalMs int64

	err := row.Scan(
		&b.ID,
		&b.OwnerID,
		&b.Name,
		&b.Status,
		&b.Counters.Total,
		&countersJSON,
		&b.Policy.MaxPerHour,
		&b.Policy.MaxPerDay,
		&minIntervalMs,
		&b.CreatedAt,
		&b.ApprovedAt,
		&b.StartedAt,
		&b.CompletedAt,
		&b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	total := b.Counters.Total
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &b.Counters); err != nil {
			return nil, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	b.Counters.Total = total
	b.Policy.MinInterval = time.Duration(minIntervalMs) * time.Millisecond
	return &b, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var lastErrJSON, historyJSON []byte
	var providerID *string

	err := row.Scan(
		&m.ID,
		&m.BatchID,
		&m.OwnerID,
		&m.Recipient.ID,
		&m.Recipient.Address,
		&m.Recipient.Name,
		&m.Recipient.Timezone,
		&m.Recipient.Locale,
		&m.MatchScore,
		&m.MatchReasons,
		&m.Subject,
		&m.Body,
		&m.TrackingKey,
		&m.Status,
		&m.ScheduledTime,
		&m.SentAt,
		&m.DeliveredAt,
		&m.OpenedAt,
		&m.RepliedAt,
		&m.RetryCount,
		&m.MaxRetries,
		&lastErrJSON,
		&m.ClaimToken,
		&m.ClaimExpiresAt,
		&providerID,
		&historyJSON,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	if len(lastErrJSON) > 0 {
		var info domain.ErrorInfo
		if err := json.Unmarshal(lastErrJSON, &info); err != nil {
			return nil, fmt.Errorf("unmarshal last_error: %w", err)
		}
		m.LastError = &info
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &m.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	if providerID != nil {
		m.ProviderMessageID = *providerID
	}
	return &m, nil
}

func marshalMessageJSON(m *domain.Message) (lastErr, history []byte, err error) {
	if m.LastError != nil {
		if lastErr, err = json.Marshal(m.LastError); err != nil {
			return nil, nil, fmt.Errorf("marshal last_error: %w", err)
		}
	}
	h := m.History
	if h == nil {
		h = []domain.Transition{}
	}
	if history, err = json.Marshal(h); err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return lastErr, history, nil
}

// mapPgError переводит нарушение уникальности в ErrAlreadyExists.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
