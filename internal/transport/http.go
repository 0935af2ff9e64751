package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Outreach/internal/domain"
)

// HTTPConfig — параметры API провайдера рассылки.
type HTTPConfig struct {
	URL    string
	Token  string
	Client *http.Client // default: http.Client без таймаута, таймаут задаёт ctx
}

// HTTP отправляет письма через JSON API провайдера.
//
// Запрос: POST URL с телом providerRequest и заголовком Idempotency-Key = TrackingKey.
// Ответ 2xx: {"id": "..."}; ответ с "bounce": true — явный bounce.
type HTTP struct {
	cfg HTTPConfig
	now func() time.Time
}

// NewHTTP создаёт HTTP-транспорт.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTP{cfg: cfg, now: time.Now}
}

func (h *HTTP) Name() string { return "http" }

type providerRequest struct {
	TrackingKey string       `json:"tracking_key"`
	To          string       `json:"to"`
	ToName      string       `json:"to_name,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type providerResponse struct {
	ID     string `json:"id"`
	Error  string `json:"error"`
	Bounce bool   `json:"bounce"`
}

// Send отправляет письмо провайдеру.
func (h *HTTP) Send(ctx context.Context, env Envelope) (Receipt, error) {
	body, err := json.Marshal(providerRequest{
		TrackingKey: env.TrackingKey,
		To:          env.To,
		ToName:      env.ToName,
		Subject:     env.Subject,
		Body:        env.Body,
		Attachments: env.Attachments,
	})
	if err != nil {
		return Receipt{}, domain.NewPermanentError(0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, domain.NewPermanentError(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.TrackingKey)
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return Receipt{}, domain.NewTransientError(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, domain.NewTransientError(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	var pr providerResponse
	_ = json.Unmarshal(raw, &pr)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Receipt{ProviderMessageID: pr.ID, AcceptedAt: h.now()}, nil
	}
	return Receipt{}, classifyHTTP(resp.StatusCode, pr, raw)
}

// classifyHTTP: 429, 408 и 5xx — временные, остальные 4xx — постоянные.
func classifyHTTP(code int, pr providerResponse, raw []byte) error {
	msg := pr.Error
	if msg == "" {
		msg = truncate(string(raw), 200)
	}
	err := fmt.Errorf("HTTP %d: %s", code, msg)

	switch {
	case pr.Bounce:
		return domain.NewBounceError(code, err)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return domain.NewTransientError(code, err)
	default:
		return domain.NewPermanentError(code, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
