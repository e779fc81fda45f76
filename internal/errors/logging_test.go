package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()

	assert.NotNil(t, logger.Logger)
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "Logger should use JSON formatter")
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	err := NewDatabaseError("resolve", errors.New("locked"))
	logger.LogError(err, "Resolve failed", logrus.Fields{"request_id": "abc"})

	out := buf.String()
	for _, want := range []string{
		`"level":"error"`,
		`"error_code":"DATABASE_QUERY"`,
		`"operation":"resolve"`,
		`"request_id":"abc"`,
		`"msg":"Resolve failed"`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestLogger_LogRetryableError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	logger.LogRetryableError(NewAPIError("sendMessage", 429, errors.New("slow down")), "Send failed")
	assert.Contains(t, buf.String(), `"level":"warning"`)

	buf.Reset()
	logger.LogRetryableError(NewAPIError("sendMessage", 400, errors.New("bad")), "Send failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestLogger_WithError_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	logger.WithError(errors.New("plain")).Info("note")
	out := buf.String()
	assert.Contains(t, out, `"error":"plain"`)
	assert.NotContains(t, out, "error_code")
}

func TestFromLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetOutput(&buf)

	FromLogger(base).LogWarn(NewNotFoundError("release", "app_1.0.0.zip"), "Release missing")

	assert.Contains(t, buf.String(), `"level":"warning"`)
	assert.Contains(t, buf.String(), `"error_code":"NOT_FOUND"`)
	assert.Contains(t, buf.String(), `"identifier":"app_1.0.0.zip"`)
}
