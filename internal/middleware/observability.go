package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"smsrelay/internal/httputil"
	"smsrelay/internal/metrics"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"
)

// Options configure the observability middleware
type Options struct {
	// TrustProxyHeaders lets X-Forwarded-For decide the logged client address
	TrustProxyHeaders bool
	// Verbose disables masking of phone numbers and codes in request logs
	Verbose bool
}

// Observability assigns a request id, opens a span, records Prometheus
// request metrics and logs each request on completion.
func Observability(logger *logrus.Logger, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeName(r)

			requestID := r.Header.Get(tracing.RequestIDHeader)
			if !tracing.ValidRequestID(requestID) {
				requestID = tracing.GenerateRequestID()
			}

			ctx, span := tracing.StartSpan(r.Context(), "HTTP "+r.Method+" "+route,
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", httputil.GetClientIP(r, opts.TrustProxyHeaders)),
				attribute.String("request.id", requestID),
			)
			defer span.End()

			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, start)
			ctx = service.WithVerbose(ctx, opts.Verbose)
			r = r.WithContext(ctx)

			w.Header().Set(tracing.RequestIDHeader, requestID)
			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			status := wrapper.statusCode
			metrics.RecordHTTPRequest(route, r.Method, strconv.Itoa(status), duration)

			span.SetAttributes(
				attribute.Int("http.response.status_code", status),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			}

			level := logrus.InfoLevel
			switch {
			case status >= 500:
				level = logrus.ErrorLevel
			case status >= 400:
				level = logrus.WarnLevel
			case route == "/health" || route == "/metrics":
				level = logrus.DebugLevel
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  requestID,
				service.LogFieldTraceID:    traceID(span),
				service.LogFieldEndpoint:   route,
				"method":                   r.Method,
				service.LogFieldStatusCode: status,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   httputil.GetClientIP(r, opts.TrustProxyHeaders),
				"size_bytes":               wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

// routeName returns the matched route template so metric labels stay bounded
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func traceID(span oteltrace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// responseWrapper captures status and size. It forwards Flush so streamed
// downloads are not buffered.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
