package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"smsrelay/internal/models"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	assert.NotEqual(t, a, b)
	assert.True(t, ValidRequestID(a))
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, ValidRequestID("3f2b8c4e-8f8a-4b51-9a59-0f5f4f7b2c11"))
	assert.False(t, ValidRequestID(""))
	assert.False(t, ValidRequestID("not-a-uuid"))
	assert.False(t, ValidRequestID("<script>alert(1)</script>"))
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTraceID(ctx))
	assert.True(t, GetStartTime(ctx).IsZero())
	assert.Zero(t, Elapsed(ctx))

	start := time.Now().Add(-time.Second)
	ctx = WithRequestID(ctx, "req")
	ctx = WithTraceID(ctx, "trace")
	ctx = WithStartTime(ctx, start)

	assert.Equal(t, "req", GetRequestID(ctx))
	assert.Equal(t, "trace", GetTraceID(ctx))
	assert.Equal(t, start, GetStartTime(ctx))
	assert.GreaterOrEqual(t, Elapsed(ctx), time.Second)
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(models.TracingConfig{Enabled: false}, logrus.New())
	require.NoError(t, m.Initialize(context.Background()))
	assert.Nil(t, m.tracerProvider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_Stdout(t *testing.T) {
	m := NewManager(models.TracingConfig{
		Enabled:     true,
		UseStdout:   true,
		ServiceName: "smsrelay-test",
		SampleRate:  1,
	}, logrus.New())

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	require.NoError(t, m.Initialize(context.Background()))
	assert.NotNil(t, m.tracerProvider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestStartSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "match", attribute.String("kind", "sms"))
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.Equal(t, OtelTraceID(ctx), GetTraceID(ctx))

	RecordError(ctx, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "match", ended[0].Name())
	assert.Equal(t, "boom", ended[0].Status().Description)
	assert.Contains(t, ended[0].Attributes(), attribute.String("kind", "sms"))
}

func TestOtelTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, OtelTraceID(context.Background()))
}
