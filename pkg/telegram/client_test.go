package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsrelay/internal/errors"
	"smsrelay/pkg/circuitbreaker"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) *TelegramClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{
		BaseURL:            server.URL,
		Token:              "test-token",
		Timeout:            2 * time.Second,
		MaxAttempts:        3,
		Backoff:            time.Millisecond,
		RatePerSecond:      1000,
		BreakerMaxFailures: 10,
		BreakerTimeout:     time.Minute,
	}, nil, nil)
}

type recorder struct {
	mu       sync.Mutex
	requests []SendMessageRequest
}

func (r *recorder) add(t *testing.T, req *http.Request) SendMessageRequest {
	var payload SendMessageRequest
	require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
	r.mu.Lock()
	r.requests = append(r.requests, payload)
	r.mu.Unlock()
	return payload
}

func (r *recorder) all() []SendMessageRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SendMessageRequest(nil), r.requests...)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(APIResponse{OK: true})
}

func writeAPIError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{OK: false, ErrorCode: status, Description: description})
}

func TestSendMessage(t *testing.T) {
	rec := &recorder{}
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		rec.add(t, r)
		writeOK(w)
	})

	msg := NewMessage("SMS from OZON.ru", "Code 123456.")
	require.NoError(t, client.SendMessage(context.Background(), "-100123", msg))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "-100123", reqs[0].ChatID)
	assert.Equal(t, ParseModeMarkdownV2, reqs[0].ParseMode)
	assert.Equal(t, "*SMS from OZON\\.ru*\nCode 123456\\.", reqs[0].Text)
	assert.True(t, reqs[0].DisableWebPagePreview)
}

func TestSendMessage_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeAPIError(w, http.StatusBadGateway, "Bad Gateway")
			return
		}
		writeOK(w)
	})

	require.NoError(t, client.SendMessage(context.Background(), "42", NewMessage("", "hi")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendMessage_ParseErrorFallsBackToPlain(t *testing.T) {
	rec := &recorder{}
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		payload := rec.add(t, r)
		if payload.ParseMode == ParseModeMarkdownV2 {
			writeAPIError(w, http.StatusBadRequest, "Bad Request: can't parse entities: unexpected end")
			return
		}
		writeOK(w)
	})

	msg := Message{Markdown: "*broken", Plain: "broken"}
	require.NoError(t, client.SendMessage(context.Background(), "42", msg))

	reqs := rec.all()
	require.Len(t, reqs, 2, "parse errors must not be retried as markdown")
	assert.Equal(t, "", reqs[1].ParseMode)
	assert.Equal(t, "broken", reqs[1].Text)
}

func TestSendMessage_ExhaustedFallsBackToPlain(t *testing.T) {
	rec := &recorder{}
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		payload := rec.add(t, r)
		if payload.ParseMode == ParseModeMarkdownV2 {
			writeAPIError(w, http.StatusServiceUnavailable, "try later")
			return
		}
		writeOK(w)
	})

	require.NoError(t, client.SendMessage(context.Background(), "42", NewMessage("t", "b")))

	reqs := rec.all()
	require.Len(t, reqs, 4)
	assert.Equal(t, "", reqs[3].ParseMode)
}

func TestSendMessage_PlainFallbackFailure(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusInternalServerError, "boom")
	})

	err := client.SendMessage(context.Background(), "42", NewMessage("t", "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain text fallback failed")
}

func TestSendMessage_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusForbidden, "Forbidden: bot was blocked by the user")
	})

	err := client.SendMessage(context.Background(), "42", NewMessage("t", "b"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, errors.ErrCodeTelegramAPI, errors.GetCode(err))
	assert.False(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "bot was blocked")
}

func TestSendMessage_RetryAfterContext(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(APIResponse{
			ErrorCode:   429,
			Description: "Too Many Requests",
			Parameters:  &ResponseParameters{RetryAfter: 3},
		})
	})

	err := client.post(context.Background(), SendMessageRequest{ChatID: "1", Text: "x"})
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.True(t, appErr.Retryable)
	assert.Equal(t, 3, appErr.Context["retry_after"])
}

func TestSendMessage_NetworkErrorHidesToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(Config{
		BaseURL:       server.URL,
		Token:         "secret-token",
		MaxAttempts:   1,
		RatePerSecond: 1000,
	}, nil, nil)

	err := client.post(context.Background(), SendMessageRequest{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestSendMessage_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusInternalServerError, "down")
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:            server.URL,
		Token:              "t",
		MaxAttempts:        2,
		Backoff:            time.Millisecond,
		RatePerSecond:      1000,
		BreakerMaxFailures: 2,
		BreakerTimeout:     time.Hour,
	}, nil, nil)

	err := client.SendMessage(context.Background(), "42", NewMessage("t", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, client.BreakerState())

	before := calls.Load()
	err = client.SendMessage(context.Background(), "42", NewMessage("t", "b"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, before, calls.Load(), "open circuit must not reach the API")
}

func TestSendMessage_ContextCanceled(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(w)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.SendMessage(ctx, "42", NewMessage("t", "b"))
	assert.ErrorIs(t, err, context.Canceled)
}
