package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/auth"
	"github.com/safar/storefront-orders/internal/logging"
	"github.com/safar/storefront-orders/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags every request with an id, a trace span and a scoped logger,
// bounds the body size and recovers panics into a 500.
func instrument(next http.Handler, logger *zap.Logger, m *metrics.Metrics, maxBody int64) http.Handler {
	tracer := otel.Tracer("github.com/safar/storefront-orders/internal/api")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		reqLog := logger.With(
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		if sc := span.SpanContext(); sc.IsValid() {
			reqLog = reqLog.With(zap.String("trace_id", sc.TraceID().String()))
		}
		ctx = logging.ContextWithLogger(ctx, reqLog)

		if maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)

		defer func() {
			if p := recover(); p != nil {
				reqLog.Error("http_panic", zap.Any("panic", p), zap.String("stack", string(debug.Stack())))
				rec.status = http.StatusInternalServerError
				writeEnvelope(rec, http.StatusInternalServerError, envelope{Message: "Internal server error"})
			}

			route := req.Pattern
			if route == "" {
				route = "unmatched"
			}
			lat := time.Since(start)
			m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, route).Observe(lat.Seconds())

			span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			reqLog.Info("http_request",
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.Duration("latency", lat),
			)
		}()

		next.ServeHTTP(rec, req)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p *auth.Principal)

func (h *Handler) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.auth.Authenticate(r)
		if err != nil {
			respondError(w, r, apperror.Wrap(apperror.KindUnauthorized, "Unauthorized", err))
			return
		}
		ctx := auth.WithPrincipal(r.Context(), p)
		ctx = logging.ContextWithLogger(ctx, logging.FromContext(ctx).With(zap.String("user_id", p.UserID)))
		next(w, r.WithContext(ctx), p)
	}
}

func (h *Handler) requireAdmin(next authedHandler) http.HandlerFunc {
	return h.requireAuth(func(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
		if !p.IsAdmin {
			respondError(w, r, apperror.Forbidden("Forbidden"))
			return
		}
		next(w, r, p)
	})
}
