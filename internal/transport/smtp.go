package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/shaiso/Outreach/internal/domain"
)

// SMTPConfig — параметры SMTP-сервера.
type SMTPConfig struct {
	Host     string
	Port     string // default: 587
	Username string
	Password string
	From     string
	FromName string

	// ImplicitTLS — TLS с первого байта (порт 465). Иначе STARTTLS, если сервер его объявил.
	ImplicitTLS bool

	// Attachments добавляются к каждому письму (например, CV).
	Attachments []Attachment
}

// SMTP отправляет письма через net/smtp.
type SMTP struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTP создаёт SMTP-транспорт.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTP{cfg: cfg, now: time.Now}
}

func (s *SMTP) Name() string { return "smtp" }

// Send отправляет письмо. Message-ID строится из TrackingKey, поэтому все попытки
// одного сообщения имеют один идентификатор.
func (s *SMTP) Send(ctx context.Context, env Envelope) (Receipt, error) {
	msgID := fmt.Sprintf("<%s@%s>", env.TrackingKey, s.cfg.Host)
	raw, err := buildMIME(s.cfg, env, msgID, s.now())
	if err != nil {
		return Receipt{}, domain.NewPermanentError(0, err)
	}

	if err := s.deliver(ctx, env.To, raw); err != nil {
		return Receipt{}, classifySMTP(err)
	}
	return Receipt{ProviderMessageID: msgID, AcceptedAt: s.now()}, nil
}

func (s *SMTP) deliver(ctx context.Context, to string, raw []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}
	defer conn.Close()

	// net/smtp не принимает ctx: ограничиваем весь диалог дедлайном соединения.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if !s.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return &authError{err: err}
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return &rcptError{err: err}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// rcptError — отказ на RCPT TO: адресат не существует или не принимает почту.
type rcptError struct{ err error }

func (e *rcptError) Error() string { return "rcpt: " + e.err.Error() }
func (e *rcptError) Unwrap() error { return e.err }

// authError — отказ на AUTH: неверные учётные данные или небезопасное соединение.
type authError struct{ err error }

func (e *authError) Error() string { return "auth: " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// isAuthCode — ответы RFC 4954 о неудачной аутентификации.
// Повтор с теми же учётными данными не поможет.
func isAuthCode(code int) bool {
	switch code {
	case 530, 534, 535, 538:
		return true
	}
	return false
}

// classifySMTP: 4xx — временная, 5xx — постоянная, 5xx на RCPT — bounce.
// Отказ аутентификации постоянный на любом шаге и не считается bounce.
// Сетевые ошибки и таймауты — временные.
func classifySMTP(err error) error {
	var auth *authError
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case isAuthCode(tp.Code):
			return domain.NewPermanentError(tp.Code, err)
		case tp.Code >= 400 && tp.Code < 500:
			return domain.NewTransientError(tp.Code, err)
		case tp.Code >= 500:
			var rcpt *rcptError
			if errors.As(err, &rcpt) {
				return domain.NewBounceError(tp.Code, err)
			}
			return domain.NewPermanentError(tp.Code, err)
		}
	}
	if errors.As(err, &auth) && !isNetworkError(err) {
		return domain.NewPermanentError(0, err)
	}
	return domain.NewTransientError(0, err)
}

func isNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// buildMIME собирает письмо: text/plain или multipart/mixed при наличии вложений.
func buildMIME(cfg SMTPConfig, env Envelope, msgID string, now time.Time) ([]byte, error) {
	to, err := mail.ParseAddress(env.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", env.To, err)
	}
	to.Name = env.ToName
	from := mail.Address{Name: cfg.FromName, Address: cfg.From}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", env.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("X-Tracking-Key", env.TrackingKey)
	header("MIME-Version", "1.0")

	attachments := append(append([]Attachment(nil), cfg.Attachments...), env.Attachments...)
	if len(attachments) == 0 {
		header("Content-Type", `text/plain; charset="utf-8"`)
		header("Content-Transfer-Encoding", "8bit")
		buf.WriteString("\r\n")
		buf.WriteString(env.Body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`text/plain; charset="utf-8"`},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	part.Write([]byte(env.Body))

	for _, a := range attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 пишет данные строками по 76 символов.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	var sb strings.Builder
	for len(enc) > 76 {
		sb.WriteString(enc[:76])
		sb.WriteString("\r\n")
		enc = enc[76:]
	}
	sb.WriteString(enc)
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
