package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shurlinet/fabricsched/pkg/p2pnet"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request ID stamped by WithRequestID, or
// "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID tags every request with a fresh UUID, logs it on entry and
// exit, and echoes it back as X-Request-Id so a caller can correlate its
// own logs with the daemon's.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		start := time.Now()
		slog.Debug("control API request", "request_id", id, "method", r.Method, "path", r.URL.Path)

		next.ServeHTTP(w, r.WithContext(ctx))

		slog.Debug("control API request done", "request_id", id, "duration", time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with Prometheus metrics. If
// metrics is nil, the handler is returned unchanged (zero overhead).
func InstrumentHandler(next http.Handler, metrics *p2pnet.Metrics) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rec.status)

		metrics.DaemonRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
	})
}
