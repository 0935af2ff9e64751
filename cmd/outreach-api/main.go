// Outreach API — HTTP API для батчей и сообщений.
//
// API:
//   - Применяет миграции схемы при старте
//   - Создаёт батчи (ранжирование + генерация писем)
//   - Принимает одобрение, отмену, правки и события трекинга
//   - Публикует batch.approved и batch.finished в RabbitMQ
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Outreach/internal/api"
	"github.com/shaiso/Outreach/internal/batch"
	"github.com/shaiso/Outreach/internal/config"
	"github.com/shaiso/Outreach/internal/content"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/telemetry"
)

var startTime = time.Now()

func main() {
	logger := telemetry.SetupLogger("outreach-api")
	logger.Info("starting outreach-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn := cfg.DBURL
	if dsn == "" {
		dsn = repo.DefaultDSN
	}
	if err := repo.Migrate(dsn); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	pool, err := repo.NewPool(ctx, dsn, 0)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// RabbitMQ: без брокера API работает, scheduler подберёт батчи polling'ом.
	var events batch.Events
	mqURL := cfg.RabbitMQURL
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, "outreach-api", logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, events disabled", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		events = mq.NewPublisher(mqConn, logger)
	}

	generator, err := loadGenerator(cfg.SubjectTemplate, cfg.BodyTemplate)
	if err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	ctrl, err := batch.New(batch.Config{
		Store:      repo.NewPGStore(pool),
		Generator:  generator,
		Events:     events,
		MaxBatch:   cfg.MaxBatchSize,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create controller", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		amqpState := "disabled"
		if mqConn != nil {
			amqpState = "down"
			if mqConn.IsConnected() {
				amqpState = "up"
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s amqp=%s", time.Since(startTime).Round(time.Second), amqpState)
	})
	mux.Handle("/metrics", promhttp.Handler())

	api.NewHandler(api.Config{Controller: ctrl, Logger: logger}).RegisterRoutes(mux)

	addr := ":" + cfg.APIPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

// loadGenerator читает шаблоны из файлов. Пустой путь — встроенный шаблон.
func loadGenerator(subjectPath, bodyPath string) (*content.TemplateGenerator, error) {
	read := func(path string) (string, error) {
		if path == "" {
			return "", nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	subject, err := read(subjectPath)
	if err != nil {
		return nil, err
	}
	body, err := read(bodyPath)
	if err != nil {
		return nil, err
	}
	return content.NewTemplateGenerator(subject, body)
}
