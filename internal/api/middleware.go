package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/telemetry"
)

// HeaderRequestID — заголовок с идентификатором запроса.
const HeaderRequestID = "X-Request-ID"

// Middleware — функция-обёртка для http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain применяет middleware в порядке слева направо.
// Chain(m1, m2)(handler) = m1(m2(handler))
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type ctxKey struct{}

// RequestID берёт X-Request-ID клиента (например, провайдера tracking-событий)
// или выдаёт новый и возвращает его в ответе.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}

// RequestIDFrom возвращает идентификатор запроса из контекста.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Observe логирует запрос и пишет метрики по шаблону маршрута
// ("POST /api/v1/batches/{id}/approve"), а не по пути: ID батчей
// не должны попадать в метки Prometheus.
func Observe(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := routeOf(r)
			elapsed := time.Since(start)
			telemetry.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			telemetry.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

			attrs := []any{
				"route", route,
				"status", rec.status,
				"duration", elapsed,
				"request_id", RequestIDFrom(r.Context()),
			}
			if key, id := resourceOf(r); id != "" {
				attrs = append(attrs, key, id)
			}

			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request", attrs...)
		})
	}
}

// Recovery восстанавливается после паники в обработчике.
func Recovery(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"route", routeOf(r),
						"request_id", RequestIDFrom(r.Context()),
						"stack", string(debug.Stack()),
					)
					InternalError(w, logger, nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

// resourceOf определяет, к какому батчу или сообщению относится запрос.
func resourceOf(r *http.Request) (string, string) {
	id := r.PathValue("id")
	if id == "" {
		return "", ""
	}
	switch {
	case strings.Contains(r.Pattern, "/batches/"):
		return "batch_id", id
	case strings.Contains(r.Pattern, "/messages/"):
		return "message_id", id
	}
	return "", ""
}

// statusRecorder запоминает код ответа.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wrote {
		rw.status, rw.wrote = code, true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}
