// Package transport — доставка сообщений наружу (SMTP, HTTP API провайдера, лог).
//
// Все реализации возвращают *domain.TransportError, чтобы воркер мог
// отличить временную ошибку от постоянной и от явного bounce.
package transport

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
)

// Attachment — вложение письма.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// LoadAttachments читает файлы вложений. Тип определяется по расширению.
func LoadAttachments(paths []string) ([]Attachment, error) {
	out := make([]Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		ct := mime.TypeByExtension(filepath.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, Attachment{Filename: filepath.Base(p), ContentType: ct, Data: data})
	}
	return out, nil
}

// Envelope — всё, что нужно транспорту для одной попытки.
//
// TrackingKey одинаков для всех попыток и служит ключом идемпотентности у провайдера.
type Envelope struct {
	MessageID   uuid.UUID
	TrackingKey string
	To          string
	ToName      string
	Subject     string
	Body        string
	Attachments []Attachment
}

// NewEnvelope собирает конверт из сообщения.
func NewEnvelope(m *domain.Message, attachments []Attachment) Envelope {
	return Envelope{
		MessageID:   m.ID,
		TrackingKey: m.TrackingKey,
		To:          m.Recipient.Address,
		ToName:      m.Recipient.Name,
		Subject:     m.Subject,
		Body:        m.Body,
		Attachments: attachments,
	}
}

// Receipt — подтверждение приёма транспортом.
type Receipt struct {
	ProviderMessageID string
	AcceptedAt        time.Time
}

// Transport отправляет одно сообщение.
type Transport interface {
	// Send блокирует до ответа транспорта или отмены ctx.
	Send(ctx context.Context, env Envelope) (Receipt, error)

	// Name — имя для логов и метрик.
	Name() string
}
