// Package observability wraps listeners with request logging, tracing and RED metrics.
package observability

import (
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/arencloud/nservers/internal/telemetry"
)

const RequestIDHeader = "X-Request-Id"

// RequestLogger logs one line per request and records it as a server span.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := r.Header.Get(RequestIDHeader)
			if rid == "" {
				rid = genID()
				r.Header.Set(RequestIDHeader, rid)
			}
			w.Header().Set(RequestIDHeader, rid)

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := telemetry.Tracer().Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			r = r.WithContext(ctx)

			lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)

			// route pattern keeps metric cardinality bounded
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			span.SetName(route)
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", lrw.status),
				attribute.String("request.id", rid),
			)
			if lrw.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(lrw.status))
			}

			log.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", lrw.status,
				"size", lrw.size,
				"dur_ms", strconv.FormatInt(dur.Milliseconds(), 10),
				"ua", r.UserAgent(),
				"remote", r.RemoteAddr,
				"rid", rid,
			)
			telemetry.RecordHTTPServer(ctx, r.Method, route, lrw.status, dur)
		})
	}
}

func genID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

func (l *loggingResponseWriter) WriteHeader(code int) {
	if !l.wroteHeader {
		l.status = code
		l.wroteHeader = true
	}
	l.ResponseWriter.WriteHeader(code)
}

func (l *loggingResponseWriter) Write(b []byte) (int, error) {
	l.wroteHeader = true
	n, err := l.ResponseWriter.Write(b)
	l.size += int64(n)
	return n, err
}

func (l *loggingResponseWriter) Unwrap() http.ResponseWriter { return l.ResponseWriter }
