// Outreach Scheduler — назначает одобренным сообщениям время отправки.
//
// Работает один лидер (pg_try_advisory_lock на выделенном соединении):
// остальные экземпляры ждут и перехватывают лидерство при падении лидера.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Outreach/internal/config"
	"github.com/shaiso/Outreach/internal/lock"
	"github.com/shaiso/Outreach/internal/mq"
	"github.com/shaiso/Outreach/internal/repo"
	"github.com/shaiso/Outreach/internal/scheduler"
	"github.com/shaiso/Outreach/internal/telemetry"
)

const schedLockKey int64 = 424242

func main() {
	logger := telemetry.SetupLogger("outreach-scheduler")
	logger.Info("starting outreach-scheduler")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DBURL, 0)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

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

	var mqConn *mq.Connection
	mqURL := cfg.RabbitMQURL
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	if conn, err := mq.NewConnection(mqURL, "outreach-scheduler", logger); err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		mqConn = conn
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		logger.Info("RabbitMQ connected", "topology", mq.TopologyInfo())
	}

	sched := scheduler.New(scheduler.Config{
		Store:        repo.NewPGStore(pool),
		Locker:       locker,
		Window:       window,
		Horizon:      cfg.ScheduleHorizon,
		Conn:         mqConn,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.SchedPort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	release, err := becomeLeader(ctx, pool, time.Second)
	if err != nil {
		logger.Info("outreach-scheduler stopped before leadership", "error", err)
		return
	}
	defer release()
	logger.Info("acquired scheduler leadership")

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	sched.Stop()
	logger.Info("outreach-scheduler stopped")
}

// becomeLeader ждёт session-level advisory lock. Блокировка живёт, пока открыто
// соединение, поэтому оно удерживается до release.
func becomeLeader(ctx context.Context, pool *pgxpool.Pool, retry time.Duration) (func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tk := time.NewTicker(retry)
	defer tk.Stop()

	for {
		var ok bool
		if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", schedLockKey).Scan(&ok); err != nil {
			conn.Release()
			return nil, err
		}
		if ok {
			return func() {
				_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", schedLockKey)
				conn.Release()
			}, nil
		}

		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		case <-tk.C:
		}
	}
}
