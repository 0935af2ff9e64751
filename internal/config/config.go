// Package config читает настройки сервисов из окружения.
//
// Load подхватывает .env (если есть) через godotenv; переменные окружения
// имеют приоритет над файлом.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config — настройки всех бинарников. Нулевые значения означают «по умолчанию компонента».
type Config struct {
	DBURL       string
	RabbitMQURL string
	RedisURL    string

	APIPort    string
	WorkerPort string
	SchedPort  string

	WorkerConcurrency int
	PollInterval      time.Duration
	SendTimeout       time.Duration
	ClaimTTL          time.Duration
	ReapInterval      time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	SendRatePerSec    float64

	// MaxBatchSize и MaxRetries — лимиты BatchController.
	MaxBatchSize int
	MaxRetries   int

	BusinessHoursStart int
	BusinessHoursEnd   int
	BusinessDays       string
	ScheduleHorizon    time.Duration

	// Transport — smtp, http или log.
	Transport string
	SMTP      SMTP

	ProviderURL   string
	ProviderToken string

	// Attachments — пути к файлам, прикладываемым к каждому письму.
	Attachments []string

	// Templates — пути к шаблонам темы и тела письма. Пусто — встроенные.
	SubjectTemplate string
	BodyTemplate    string
}

// SMTP — параметры SMTP_*.
type SMTP struct {
	Host        string
	Port        string
	Username    string
	Password    string
	From        string
	FromName    string
	ImplicitTLS bool
}

// Load читает .env из текущего каталога и собирает Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv собирает Config из переменных окружения.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		DBURL:       os.Getenv("DB_URL"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		APIPort:    getEnv("API_PORT", "8080"),
		WorkerPort: getEnv("WORKER_PORT", "8082"),
		SchedPort:  getEnv("SCHED_PORT", "8081"),

		WorkerConcurrency: p.int("WORKER_CONCURRENCY", 0),
		PollInterval:      p.duration("POLL_INTERVAL"),
		SendTimeout:       p.duration("SEND_TIMEOUT"),
		ClaimTTL:          p.duration("CLAIM_TTL"),
		ReapInterval:      p.duration("REAP_INTERVAL"),
		RetryBaseDelay:    p.duration("RETRY_BASE_DELAY"),
		RetryMaxDelay:     p.duration("RETRY_MAX_DELAY"),
		SendRatePerSec:    p.float("SEND_RATE_PER_SEC"),

		MaxBatchSize: p.int("MAX_BATCH_SIZE", 0),
		MaxRetries:   p.int("MAX_RETRIES", 0),

		BusinessHoursStart: p.int("BUSINESS_HOURS_START", 9),
		BusinessHoursEnd:   p.int("BUSINESS_HOURS_END", 17),
		BusinessDays:       getEnv("BUSINESS_DAYS", "*"),
		ScheduleHorizon:    p.duration("SCHEDULE_HORIZON"),

		Transport: strings.ToLower(getEnv("TRANSPORT", "log")),
		SMTP: SMTP{
			Host:        os.Getenv("SMTP_HOST"),
			Port:        os.Getenv("SMTP_PORT"),
			Username:    os.Getenv("SMTP_USERNAME"),
			Password:    os.Getenv("SMTP_PASSWORD"),
			From:        os.Getenv("SMTP_FROM"),
			FromName:    os.Getenv("SMTP_FROM_NAME"),
			ImplicitTLS: p.bool("SMTP_IMPLICIT_TLS"),
		},

		ProviderURL:   os.Getenv("PROVIDER_URL"),
		ProviderToken: os.Getenv("PROVIDER_TOKEN"),

		Attachments:     splitList(os.Getenv("ATTACHMENTS")),
		SubjectTemplate: os.Getenv("SUBJECT_TEMPLATE"),
		BodyTemplate:    os.Getenv("BODY_TEMPLATE"),
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.Transport {
	case "log":
	case "smtp":
		if c.SMTP.Host == "" {
			return fmt.Errorf("TRANSPORT=smtp requires SMTP_HOST")
		}
	case "http":
		if c.ProviderURL == "" {
			return fmt.Errorf("TRANSPORT=http requires PROVIDER_URL")
		}
	default:
		return fmt.Errorf("unknown TRANSPORT %q (want smtp, http or log)", c.Transport)
	}
	if c.ClaimTTL > 0 && c.SendTimeout > 0 && c.ClaimTTL <= c.SendTimeout {
		return fmt.Errorf("CLAIM_TTL (%s) must exceed SEND_TIMEOUT (%s)", c.ClaimTTL, c.SendTimeout)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser запоминает первую ошибку разбора.
type parser struct {
	err error
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s=%q: %w", key, v, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return 0
	}
	return f
}

func (p *parser) bool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return b
}

func (p *parser) duration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return 0
	}
	return d
}
