package middleware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"practice-sync/internal/logger"

	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "practice-sync"

type ctxKey string

const requestIDKey ctxKey = "request_id"

// tracer resolves the global provider on each call so a provider
// installed after package init is still used.
func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TracingMiddleware starts a server span per request. Spans are named after
// the mux route template, so /api/identities/alice/events and
// /api/identities/bob/events share one name and carry the identity as an
// attribute. An incoming X-Request-ID is kept, otherwise a KSUID is issued.
func TracingMiddleware(next http.Handler) http.Handler {
	log := logger.For(logger.ComponentAPI)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = ksuid.New().String()
		}
		route := routeName(r)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("request.id", requestID),
		}
		if identity := requestIdentity(r); identity != "" {
			attrs = append(attrs, attribute.String("sync.identity", identity))
		}

		ctx, span := tracer().Start(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(wrapped, r.WithContext(ctx))
		elapsed := time.Since(start)

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
		// for an upgraded connection the duration is the session length
		if wrapped.statusCode != http.StatusSwitchingProtocols {
			span.SetAttributes(attribute.Int64("http.response_time_ms", elapsed.Milliseconds()))
		}
		if wrapped.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		}

		log.Debugw("Request completed",
			"request_id", requestID,
			"route", route,
			"status", wrapped.statusCode,
			"duration", elapsed,
		)
	})
}

// routeName is the matched mux path template, or the raw path outside a router.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func requestIdentity(r *http.Request) string {
	if identity := mux.Vars(r)["identity"]; identity != "" {
		return identity
	}
	return r.URL.Query().Get("identity")
}

// ErrorRecoveryMiddleware recovers from handler panics and records them in the span.
func ErrorRecoveryMiddleware(next http.Handler) http.Handler {
	log := logger.For(logger.ComponentAPI)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				span := trace.SpanFromContext(r.Context())
				span.RecordError(fmt.Errorf("panic: %v", err))
				span.SetStatus(codes.Error, "panic recovered")
				span.SetAttributes(
					attribute.String("error.type", "panic"),
					attribute.String("error.stacktrace", string(debug.Stack())),
				)

				log.Errorw("Handler panic", "request_id", GetRequestID(r.Context()), "panic", err, "stack", string(debug.Stack()))

				http.Error(w, "internal error, request "+GetRequestID(r.Context()), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware allows browser dashboards on other origins to read the
// relay API. Everything it serves is read-only.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriterWrapper captures the status code. It forwards Hijack so
// websocket upgrades still work behind the middleware chain.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// StartSpan creates a child span of whatever span ctx carries.
//
//	ctx, span := middleware.StartSpan(ctx, "Queue.Flush")
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanError records an error in the current span
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds a named event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}
