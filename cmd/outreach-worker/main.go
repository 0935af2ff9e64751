// Outreach Worker — отправляет запланированные сообщения.
//
// Worker:
//   - Выбирает сообщения с наступившим временем отправки
//   - Захватывает их (CAS scheduled → sending) и отправляет транспортом
//   - Временные ошибки переносит на новый слот с backoff
//   - Возвращает в очередь сообщения с истёкшим захватом
//
// Workers масштабируются горизонтально: захват исключает двойную отправку.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Outreach/internal/config"
	"github.com/shaiso/Outreach/internal/lock"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/scheduler"
	"github.com/shaiso/Outreach/internal/telemetry"
	"github.com/shaiso/Outreach/internal/transport"
	"github.com/shaiso/Outreach/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger("outreach-worker")
	logger.Info("starting outreach-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DBURL, int32(cfg.WorkerConcurrency+4))
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")
	store := repo.NewPGStore(pool)

	// Перенос повторов идёт под той же блокировкой владельца, что и планирование.
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		locker = lock.NewRedisLocker(lock.RedisConfig{Client: client, Logger: logger})
		logger.Info("redis connected")
	}

	window, err := scheduler.NewWindow(cfg.BusinessHoursStart, cfg.BusinessHoursEnd, cfg.BusinessDays, nil)
	if err != nil {
		logger.Error("invalid business window", "error", err)
		os.Exit(1)
	}
	sched := scheduler.New(scheduler.Config{
		Store:   store,
		Locker:  locker,
		Window:  window,
		Horizon: cfg.ScheduleHorizon,
		Logger:  logger,
	})

	var events worker.Events
	mqURL := cfg.RabbitMQURL
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, "outreach-worker", logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, events disabled", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		events = mq.NewPublisher(mqConn, logger)
	}

	tr := newTransport(cfg, logger)
	attachments, err := transport.LoadAttachments(cfg.Attachments)
	if err != nil {
		logger.Error("failed to load attachments", "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		Store:        store,
		Transport:    tr,
		Rescheduler:  sched,
		Events:       events,
		Attachments:  attachments,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.PollInterval,
		SendTimeout:  cfg.SendTimeout,
		ClaimTTL:     cfg.ClaimTTL,
		ReapInterval: cfg.ReapInterval,
		SendRate:     cfg.SendRatePerSec,
		Backoff:      worker.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		Logger:       logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.WorkerPort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	w.Stop()
	logger.Info("outreach-worker stopped")
}

func newTransport(cfg *config.Config, logger *slog.Logger) transport.Transport {
	switch cfg.Transport {
	case "smtp":
		s := cfg.SMTP
		logger.Info("using smtp transport", "host", s.Host)
		return transport.NewSMTP(transport.SMTPConfig{
			Host:        s.Host,
			Port:        s.Port,
			Username:    s.Username,
			Password:    s.Password,
			From:        s.From,
			FromName:    s.FromName,
			ImplicitTLS: s.ImplicitTLS,
		})
	case "http":
		logger.Info("using http transport", "url", cfg.ProviderURL)
		return transport.NewHTTP(transport.HTTPConfig{URL: cfg.ProviderURL, Token: cfg.ProviderToken})
	default:
		logger.Info("using log transport")
		return transport.NewLog(logger)
	}
}
