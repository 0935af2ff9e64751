package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shaiso/Outreach/internal/content"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/matching"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/scheduler"
	"github.com/shaiso/Outreach/internal/telemetry"
)

const defaultListLimit = 50

// Events публикует события батча. Реализация — *mq.Publisher.
type Events interface {
	PublishBatchApproved(ctx context.Context, batchID uuid.UUID, ownerID string) error
	PublishBatchFinished(ctx context.Context, p mq.BatchFinishedPayload) error
}

// Controller управляет батчами.
type Controller struct {
	store     repo.Store
	scorer    *matching.Scorer
	generator content.Generator
	events    Events

	maxBatch   int
	maxRetries int

	logger *slog.Logger
	now    func() time.Time
}

// Config — конфигурация Controller.
type Config struct {
	Store     repo.Store
	Scorer    *matching.Scorer  // default: matching.New(matching.Config{})
	Generator content.Generator // default: шаблоны по умолчанию
	Events    Events            // опционально

	MaxBatch   int // сообщений в батче (default: 50)
	MaxRetries int // бюджет повторов сообщения (default: 3)

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт Controller.
func New(cfg Config) (*Controller, error) {
	c := &Controller{
		store:      cfg.Store,
		scorer:     cfg.Scorer,
		generator:  cfg.Generator,
		events:     cfg.Events,
		maxBatch:   cfg.MaxBatch,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if c.store == nil {
		return nil, errors.New("batch controller: store is required")
	}
	if c.scorer == nil {
		c.scorer = matching.New(matching.Config{})
	}
	if c.generator == nil {
		g, err := content.NewTemplateGenerator("", "")
		if err != nil {
			return nil, err
		}
		c.generator = g
	}
	if c.maxBatch <= 0 {
		c.maxBatch = domain.DefaultMaxBatch
	}
	if c.maxRetries <= 0 {
		c.maxRetries = domain.DefaultMaxRetries
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// CreateRequest — параметры нового батча.
type CreateRequest struct {
	OwnerID    string
	Name       string
	Requester  content.Requester
	Candidates []matching.Candidate

	// Policy — nil означает политику по умолчанию.
	Policy *domain.PolicySpec
}

func (r CreateRequest) validate(maxBatch int) error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return domain.NewValidationError("owner_id", "is required")
	}
	if len(r.Candidates) == 0 {
		return domain.NewValidationError("recipients", "at least one recipient is required")
	}
	if len(r.Candidates) > maxBatch {
		return domain.NewValidationError("recipients", "at most %d recipients per batch, got %d", maxBatch, len(r.Candidates))
	}

	seen := make(map[string]bool, len(r.Candidates))
	for i, c := range r.Candidates {
		addr := strings.ToLower(strings.TrimSpace(c.Address))
		if addr == "" || !strings.Contains(addr, "@") {
			return domain.NewValidationError(fmt.Sprintf("recipients[%d].address", i), "invalid address %q", c.Address)
		}
		if seen[addr] {
			return domain.NewValidationError(fmt.Sprintf("recipients[%d].address", i), "duplicate address %s", addr)
		}
		seen[addr] = true
	}
	return nil
}

// CreateBatch ранжирует получателей, генерирует письма и сохраняет батч в DRAFT.
//
// Ошибка генерации не прерывает создание: сообщение остаётся в DRAFT
// без контента с LastError, его можно перегенерировать или поправить вручную.
func (c *Controller) CreateBatch(ctx context.Context, req CreateRequest) (*domain.Batch, error) {
	if err := req.validate(c.maxBatch); err != nil {
		return nil, err
	}

	var spec domain.PolicySpec
	if req.Policy != nil {
		spec = *req.Policy
	}
	policy, err := spec.Resolve()
	if err != nil {
		return nil, err
	}

	now := c.now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Outreach " + now.UTC().Format("2006-01-02 15:04")
	}

	candidates := make([]matching.Candidate, len(req.Candidates))
	for i, cand := range req.Candidates {
		if cand.ID == "" {
			cand.ID = strings.ToLower(strings.TrimSpace(cand.Address))
		}
		candidates[i] = cand
	}
	ranked := c.scorer.Rank(req.Requester.Profile(), candidates)

	b := &domain.Batch{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Name:      name,
		Status:    domain.BatchStatusDraft,
		Counters:  domain.Counters{Total: len(ranked)},
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	logger := telemetry.WithBatchID(c.logger, b.ID.String())

	msgs := make([]*domain.Message, len(ranked))
	generated := 0
	for i, r := range ranked {
		m := &domain.Message{
			ID:           uuid.New(),
			BatchID:      b.ID,
			OwnerID:      b.OwnerID,
			Recipient:    recipientOf(r.Candidate),
			MatchScore:   r.Score,
			MatchReasons: r.Reasons,
			TrackingKey:  ulid.Make().String(),
			Status:       domain.MessageStatusDraft,
			MaxRetries:   c.maxRetries,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		gen, err := c.generator.Generate(ctx, req.Requester, r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("content generation failed", "recipient", m.Recipient.Address, "error", err)
			m.LastError = domain.NewErrorInfo(err)
		} else {
			m.Subject, m.Body = gen.Subject, gen.Body
			generated++
		}
		msgs[i] = m
	}

	err = c.store.InTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := tx.InsertBatch(ctx, b, msgs); err != nil {
			return err
		}
		return repo.Recount(ctx, tx, b, now)
	})
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	telemetry.BatchesCreated.Inc()
	logger.Info("batch created",
		"owner_id", b.OwnerID,
		"messages", len(msgs),
		"generated", generated,
	)
	return c.store.GetBatch(ctx, b.ID)
}

// recipientOf переносит данные кандидата в получателя.
// Без часового пояса берётся пояс страны.
func recipientOf(cand matching.Candidate) domain.Recipient {
	tz := cand.Timezone
	if tz == "" && cand.Country != "" {
		tz = scheduler.TimezoneForCountry(cand.Country)
	}
	return domain.Recipient{
		ID:       cand.ID,
		Address:  strings.TrimSpace(cand.Address),
		Name:     cand.Name,
		Timezone: tz,
		Locale:   cand.Locale,
	}
}

// SubmitForApproval переводит черновик на проверку.
// Сообщения без контента остаются в DRAFT.
func (c *Controller) SubmitForApproval(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	now := c.now()
	return repo.UpdateBatch(ctx, c.store, id, now, func(b *domain.Batch, msgs []*domain.Message) ([]*domain.Message, error) {
		if err := b.SubmitForApproval(now); err != nil {
			return nil, err
		}
		var changed []*domain.Message
		for _, m := range msgs {
			if m.Status != domain.MessageStatusDraft || !m.HasContent() {
				continue
			}
			if err := m.Transition(domain.MessageStatusPendingApproval, "submitted", now); err != nil {
				return nil, err
			}
			changed = append(changed, m)
		}
		return changed, nil
	})
}

// ApproveBatch одобряет батч.
//
// messageIDs пуст — одобряются все сообщения с контентом; черновики без контента
// остаются в DRAFT с LastError, их можно перегенерировать и одобрить через
// ApproveMessage. Иначе одобряются только перечисленные, остальные черновики
// отменяются: total батча не меняется.
func (c *Controller) ApproveBatch(ctx context.Context, id uuid.UUID, messageIDs []uuid.UUID) (*domain.Batch, error) {
	selected := make(map[uuid.UUID]bool, len(messageIDs))
	for _, mid := range messageIDs {
		selected[mid] = true
	}
	bulk := len(selected) == 0

	now := c.now()
	b, err := repo.UpdateBatch(ctx, c.store, id, now, func(b *domain.Batch, msgs []*domain.Message) ([]*domain.Message, error) {
		if err := b.MarkApproved(now); err != nil {
			return nil, err
		}

		inBatch := make(map[uuid.UUID]bool, len(msgs))
		for _, m := range msgs {
			inBatch[m.ID] = true
		}
		for mid := range selected {
			if !inBatch[mid] {
				return nil, domain.NewValidationError("message_ids", "message %s does not belong to batch %s", mid, b.ID)
			}
		}

		var changed []*domain.Message
		approved := 0
		for _, m := range msgs {
			if m.Status != domain.MessageStatusDraft && m.Status != domain.MessageStatusPendingApproval {
				continue
			}
			switch {
			case bulk && !m.HasContent():
				continue
			case bulk || selected[m.ID]:
				if !m.HasContent() {
					return nil, domain.NewValidationError("message_ids", "message %s has no content", m.ID)
				}
				if err := m.Approve(now); err != nil {
					return nil, err
				}
				approved++
			default:
				if err := m.Cancel("not approved", now); err != nil {
					return nil, err
				}
			}
			changed = append(changed, m)
		}
		if approved == 0 {
			return nil, ErrNothingApproved
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}

	logger := telemetry.WithBatchID(c.logger, b.ID.String())
	logger.Info("batch approved",
		"approved", b.Counters.Approved,
		"cancelled", b.Counters.Cancelled,
		"held", b.Counters.Draft,
	)
	c.publishApproved(ctx, logger, b)
	return b, nil
}

// ApproveMessage одобряет одно сообщение уже одобренного батча: обычно черновик,
// контент которого появился после ApproveBatch. Планировщик назначит ему слот
// по событию batch.approved или при следующем опросе.
func (c *Controller) ApproveMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	now := c.now()
	m, b, err := repo.UpdateMessage(ctx, c.store, id, now, func(m *domain.Message, b *domain.Batch) error {
		if !b.Status.IsActive() {
			return domain.NewValidationError("status", "batch %s is %s, approve the batch instead", b.ID, b.Status)
		}
		if m.Status != domain.MessageStatusDraft && m.Status != domain.MessageStatusPendingApproval {
			return domain.NewValidationError("status", "message %s is %s, expected draft or pending_approval", m.ID, m.Status)
		}
		return m.Approve(now)
	})
	if err != nil {
		return nil, err
	}

	logger := telemetry.WithBatchID(c.logger, b.ID.String())
	logger.Info("message approved", "message_id", m.ID)
	c.publishApproved(ctx, logger, b)
	return m, nil
}

// CancelMessage исключает неодобренное сообщение из батча.
// Если это было последнее незавершённое сообщение, батч завершается.
func (c *Controller) CancelMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	now := c.now()
	m, b, err := repo.UpdateMessage(ctx, c.store, id, now, func(m *domain.Message, _ *domain.Batch) error {
		if m.Status != domain.MessageStatusDraft && m.Status != domain.MessageStatusPendingApproval {
			return domain.NewValidationError("status", "message %s is %s, only unapproved messages can be cancelled", m.ID, m.Status)
		}
		return m.Cancel("cancelled by owner", now)
	})
	if err != nil {
		return nil, err
	}

	logger := telemetry.WithBatchID(c.logger, b.ID.String())
	logger.Info("message cancelled", "message_id", m.ID)
	if b.IsFinished() && b.CompletedAt != nil && b.CompletedAt.Equal(now) {
		telemetry.BatchesFinished.WithLabelValues(string(b.Status)).Inc()
		c.publishFinished(ctx, logger, b)
	}
	return m, nil
}

func (c *Controller) publishApproved(ctx context.Context, logger *slog.Logger, b *domain.Batch) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishBatchApproved(ctx, b.ID, b.OwnerID); err != nil {
		// Планировщик подберёт батч при следующем опросе.
		logger.Warn("failed to publish batch.approved", "error", err)
	}
}

func (c *Controller) publishFinished(ctx context.Context, logger *slog.Logger, b *domain.Batch) {
	if c.events == nil {
		return
	}
	err := c.events.PublishBatchFinished(ctx, mq.BatchFinishedPayload{
		BatchID:   b.ID,
		OwnerID:   b.OwnerID,
		Status:    string(b.Status),
		Total:     b.Counters.Total,
		Succeeded: b.Counters.Succeeded(),
		Failed:    b.Counters.Failed + b.Counters.Bounced,
	})
	if err != nil {
		logger.Warn("failed to publish batch.finished", "error", err)
	}
}

// ownedBy проверяет владельца. Чужой батч неотличим от несуществующего.
func ownedBy(b *domain.Batch, ownerID string) error {
	if b.OwnerID != ownerID {
		return fmt.Errorf("batch %s: %w", b.ID, domain.ErrNotFound)
	}
	return nil
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return domain.NewValidationError("owner_id", "is required")
	}
	return nil
}

// CancelBatch отменяет батч владельца ownerID.
//
// Сообщения в нефинальных статусах отменяются сразу. Сообщения в SENDING
// завершают текущую попытку; после неё повтор не планируется.
func (c *Controller) CancelBatch(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Batch, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	now := c.now()
	b, err := repo.UpdateBatch(ctx, c.store, id, now, func(b *domain.Batch, msgs []*domain.Message) ([]*domain.Message, error) {
		if err := ownedBy(b, ownerID); err != nil {
			return nil, err
		}
		if err := b.MarkCancelled(now); err != nil {
			return nil, err
		}
		var changed []*domain.Message
		for _, m := range msgs {
			if m.Status.IsTerminal() || m.Status == domain.MessageStatusSending {
				continue
			}
			if err := m.Cancel("batch cancelled", now); err != nil {
				return nil, err
			}
			changed = append(changed, m)
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.BatchesFinished.WithLabelValues(string(b.Status)).Inc()
	logger := telemetry.WithBatchID(c.logger, b.ID.String())
	logger.Info("batch cancelled", "in_flight", b.Counters.Sending)
	c.publishFinished(ctx, logger, b)
	return b, nil
}

// DeleteBatch удаляет батч владельца ownerID вместе с сообщениями.
// Активный батч (APPROVED, SENDING) удалить нельзя.
func (c *Controller) DeleteBatch(ctx context.Context, id uuid.UUID, ownerID string) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	err := c.store.InTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if err := ownedBy(b, ownerID); err != nil {
			return err
		}
		if b.Status.IsActive() {
			return fmt.Errorf("%w: %s is %s, cancel it first", ErrBatchActive, b.ID, b.Status)
		}
		return tx.DeleteBatch(ctx, id)
	})
	if err != nil {
		return err
	}
	c.logger.Info("batch deleted", "batch_id", id, "owner_id", ownerID)
	return nil
}

// GetBatchStatus возвращает батч со счётчиками.
func (c *Controller) GetBatchStatus(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	return c.store.GetBatch(ctx, id)
}

// ListBatches возвращает батчи владельца, новые первыми.
func (c *Controller) ListBatches(ctx context.Context, ownerID string, limit int) ([]*domain.Batch, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.NewValidationError("owner_id", "is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return c.store.ListBatches(ctx, ownerID, limit)
}

// ListMessages возвращает сообщения батча в порядке ранжирования.
// status пуст — все статусы.
func (c *Controller) ListMessages(ctx context.Context, batchID uuid.UUID, status string, limit, offset int) ([]*domain.Message, error) {
	f := repo.MessageFilter{BatchID: batchID, Limit: limit, Offset: offset}
	if status != "" {
		st, err := domain.ParseMessageStatus(status)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	if f.Offset < 0 {
		return nil, domain.NewValidationError("offset", "must not be negative")
	}
	return c.store.ListMessages(ctx, f)
}

// GetMessage возвращает сообщение.
func (c *Controller) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return c.store.GetMessage(ctx, id)
}

// UpdateBatch применяет патч к батчу.
func (c *Controller) UpdateBatch(ctx context.Context, id uuid.UUID, patch domain.BatchPatch) (*domain.Batch, error) {
	now := c.now()
	return repo.UpdateBatch(ctx, c.store, id, now, func(b *domain.Batch, _ []*domain.Message) ([]*domain.Message, error) {
		return nil, patch.Apply(b, now)
	})
}

// UpdateMessage применяет патч к контенту сообщения. Допустимо только до одобрения.
func (c *Controller) UpdateMessage(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (*domain.Message, error) {
	now := c.now()
	m, _, err := repo.UpdateMessage(ctx, c.store, id, now, func(m *domain.Message, _ *domain.Batch) error {
		return patch.Apply(m, now)
	})
	return m, err
}

// RegenerateMessage заново генерирует письмо.
//
// candidate задаёт интересы получателя; nil — берутся данные из сообщения.
func (c *Controller) RegenerateMessage(ctx context.Context, id uuid.UUID, requester content.Requester, candidate *matching.Candidate) (*domain.Message, error) {
	cur, err := c.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.MessageStatusDraft && cur.Status != domain.MessageStatusPendingApproval {
		return nil, domain.NewValidationError("status", "message %s is %s, content is immutable", cur.ID, cur.Status)
	}

	cand := matching.Candidate{
		ID:       cur.Recipient.ID,
		Name:     cur.Recipient.Name,
		Address:  cur.Recipient.Address,
		Timezone: cur.Recipient.Timezone,
		Locale:   cur.Recipient.Locale,
	}
	if candidate != nil {
		cand.Interests = candidate.Interests
		if candidate.Name != "" {
			cand.Name = candidate.Name
		}
	}
	ranked := matching.Ranked{
		Candidate: cand,
		Result:    matching.Result{Score: cur.MatchScore, Reasons: cur.MatchReasons},
	}

	gen, err := c.generator.Generate(ctx, requester, ranked)
	if err != nil {
		return nil, err
	}

	now := c.now()
	m, _, err := repo.UpdateMessage(ctx, c.store, id, now, func(m *domain.Message, _ *domain.Batch) error {
		return m.SetContent(gen.Subject, gen.Body, now)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("message regenerated", "message_id", m.ID, "batch_id", m.BatchID)
	return m, nil
}
