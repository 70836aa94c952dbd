package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
)

// Recoverer converts handler panics into a JSON 500 instead of killing the
// process.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.LoggerFromContext(r.Context()).Error("handler panic",
					slog.Any("recover", rec),
					slog.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorEnvelope{
					Error: apiError{Code: "INTERNAL", Message: "internal error"},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID assigns each request a ULID, echoes it on the response, and
// seeds the context logger with request and trace correlation ids. Inbound
// X-Request-Id values are trusted so callers can stitch traces across hops.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = ulid.Make().String()
			r.Header.Set("X-Request-Id", reqID)
		}
		span := trace.SpanContextFromContext(r.Context())
		lg := slog.Default().With(
			slog.String("request_id", reqID),
			slog.String("trace_id", span.TraceID().String()),
		)
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(observability.ContextWithLogger(r.Context(), lg)))
	})
}

// TimeoutMiddleware bounds each request with http.TimeoutHandler.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

// SecurityHeaders sets the strict header set for a JSON-only API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// AccessLog emits one line per request. 5xx logs as error, 4xx as warn.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		observability.LoggerFromContext(r.Context()).LogAttrs(r.Context(), accessLevel(status), "http_access",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration_ms", time.Since(start)),
			slog.String("request_id", r.Header.Get("X-Request-Id")),
		)
	})
}

func accessLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
