// Package httplog provides the gateway's request-logging middleware,
// generalized from the teacher's LoggingMiddleware to cover both the
// ambient method/path/status/duration triple and handler-supplied
// structured fields (spec.md EXPANSION: "per-request structured logging
// with duration").
package httplog

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type fieldsKey struct{}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware returns an http.Handler that logs every request at Info
// level, including any fields a downstream handler attached via
// AddField.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fields := &fieldSet{}
		ctx := context.WithValue(r.Context(), fieldsKey{}, fields)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		args := []any{"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start)}
		args = append(args, fields.args()...)
		slog.Info("request", args...)
	})
}

type fieldSet struct {
	pairs []any
}

func (f *fieldSet) args() []any { return f.pairs }

// AddField attaches a key/value pair to the current request's log line.
// Safe to call from a handler running under Middleware; a no-op if the
// request wasn't routed through it.
func AddField(ctx context.Context, key string, value any) {
	fields, ok := ctx.Value(fieldsKey{}).(*fieldSet)
	if !ok {
		return
	}
	fields.pairs = append(fields.pairs, key, value)
}
