package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	operatorKey
)

// Principal returns the authenticated user id from the request
// context.
func Principal(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(principalKey).(uuid.UUID)
	return id
}

// IsOperator reports whether the request carries the operator role.
func IsOperator(ctx context.Context) bool {
	op, _ := ctx.Value(operatorKey).(bool)
	return op
}

// Authenticate resolves the principal. Authentication itself is an
// upstream concern; the gateway forwards the verified identity in
// X-User-ID and the role in X-User-Role.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		if raw == "" {
			writeErr(w, http.StatusUnauthorized, "authentication required")
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "invalid principal")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, id)
		ctx = context.WithValue(ctx, operatorKey, r.Header.Get("X-User-Role") == "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// RequestLogger emits one structured line per request. Pairs with
// chi's RequestID middleware.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(sw, r)

			log.Info("http request",
				"req_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// RateLimit is a fixed-window per-principal limiter backed by Redis.
// All requests in the same minute share one window key; the key
// expires on its own two minutes after the window opened. A nil
// client disables limiting.
func RateLimit(rdb *redis.Client, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rdb == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := Principal(r.Context())
			window := time.Now().Format("200601021504")
			key := fmt.Sprintf("rl:%s:%s", principal, window)

			count, err := rdb.Incr(r.Context(), key).Result()
			if err != nil {
				// Redis being down never blocks traffic.
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				rdb.Expire(r.Context(), key, 2*time.Minute)
			}

			if count > int64(perMinute) {
				w.Header().Set("Retry-After", strconv.Itoa(60-time.Now().Second()))
				writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
