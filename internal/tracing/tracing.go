package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	traceIDKey
	startTimeKey
)

// RequestIDHeader carries the request id in and out of the service
const RequestIDHeader = "X-Request-ID"

// GenerateRequestID returns a random UUID string
func GenerateRequestID() string {
	return uuid.NewString()
}

// ValidRequestID accepts caller supplied ids only when they parse as UUIDs,
// so arbitrary header text never reaches the logs.
func ValidRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, t)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

func GetStartTime(ctx context.Context) time.Time {
	t, _ := ctx.Value(startTimeKey).(time.Time)
	return t
}

// Elapsed is the time since the request started, or 0 outside a request
func Elapsed(ctx context.Context) time.Duration {
	start := GetStartTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
