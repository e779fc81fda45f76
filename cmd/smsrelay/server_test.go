package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smsrelay/internal/auditlog"
	"smsrelay/internal/database"
	"smsrelay/internal/models"
	"smsrelay/internal/normalize"
	"smsrelay/internal/release"
	"smsrelay/internal/service"
	"smsrelay/pkg/circuitbreaker"
)

const testPhone = "9001234567"

var referenceZone = time.FixedZone("UTC+3", 3*3600)

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []service.Alert
	reject bool
}

func (a *recordingAlerts) Enqueue(alert service.Alert) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reject {
		return false
	}
	a.alerts = append(a.alerts, alert)
	return true
}

func (a *recordingAlerts) Alerts() []service.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]service.Alert(nil), a.alerts...)
}

type MockHealth struct {
	mock.Mock
}

func (m *MockHealth) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockHealth) Degraded() bool {
	args := m.Called()
	return args.Bool(0)
}

type staticVersions []models.Version

func (v staticVersions) Versions(context.Context) ([]models.Version, error) {
	return v, nil
}

type testEnv struct {
	server  *Server
	db      *database.Database
	alerts  *recordingAlerts
	health  *MockHealth
	now     time.Time
	release string
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupTestEnv(t *testing.T, serverCfg models.ServerConfig) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := database.Open(context.Background(), models.DatabaseConfig{
		DSN:           filepath.Join(t.TempDir(), "relay.db"),
		MaxOpenConns:  4,
		RetryAttempts: 2,
		RetryDelayMs:  10,
		AutoMigrate:   true,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	normalizer := normalize.New(map[string]string{
		"OZON.ru":     "Ozon",
		"Wildberries": "WB",
		"Yandex":      "Yandex",
	}, 3).WithClock(func() time.Time { return now })

	matcher := service.NewMatcher(db, models.MatcherConfig{
		WindowBeforeSec:      120,
		WindowAfterSec:       5,
		NoMatchAttempts:      1,
		RejectUnknownSenders: true,
	}, models.ProviderConfig{InsertOnMiss: true}, logger)

	releaseDir := t.TempDir()
	health := new(MockHealth)
	alerts := &recordingAlerts{}

	server, err := NewServer(serverCfg, Dependencies{
		Normalizer: normalizer,
		Matcher:    matcher,
		Alerts:     alerts,
		Releases: release.NewService(staticVersions{{Version: "1.0.0"}, {Version: "1.2.0"}}, models.ReleaseConfig{
			StorageDir:      releaseDir,
			FileNamePattern: "app_%s.zip",
			ChunkSizeKB:     1,
		}, logger),
		Audit:        auditlog.NewService(db, logger),
		Health:       health,
		BreakerState: func() circuitbreaker.State { return circuitbreaker.StateClosed },
	}, false, logger)
	require.NoError(t, err)

	return &testEnv{server: server, db: db, alerts: alerts, health: health, now: now, release: releaseDir}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

func notificationTime(t time.Time) string {
	return t.In(referenceZone).Format("2006-01-02 15:04:05.000000")
}

type decodedEvent struct {
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details"`
}

func decodeEvent(t *testing.T, w *httptest.ResponseRecorder) decodedEvent {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	var resp decodedEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func smsRequest(values url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/sms?"+values.Encode(), nil)
}

func TestHandleSMS_ResolvesPendingRequest(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	id, err := env.db.CreatePendingRequest(context.Background(), "operator", testPhone, "Ozon", env.now.Add(-30*time.Second))
	require.NoError(t, err)

	resp := decodeEvent(t, env.do(smsRequest(url.Values{
		"virtual_phone_number": {"+7 (900) 123-45-67"},
		"notification_time":    {notificationTime(env.now)},
		"contact_phone_number": {"OZON.ru"},
		"message":              {"Your code 123456, do not share it"},
	})))

	assert.Equal(t, statusOK, resp.Status)
	var details matchDetails
	require.NoError(t, json.Unmarshal(resp.Details, &details))
	assert.Equal(t, id, details.ID)
	assert.Equal(t, "Ozon", details.Marketplace)

	req, err := env.db.GetPendingRequest(context.Background(), id)
	require.NoError(t, err)
	require.True(t, req.Resolved())
	assert.Equal(t, "123456", *req.Message)
}

func TestHandleSMS_NoPendingRequest(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	resp := decodeEvent(t, env.do(smsRequest(url.Values{
		"virtual_phone_number": {"89001234567"},
		"notification_time":    {notificationTime(env.now)},
		"contact_phone_number": {"Yandex"},
		"message":              {"123456"},
	})))

	assert.Equal(t, statusNotFound, resp.Status)
	assert.Contains(t, string(resp.Details), "no pending request matched")
}

func TestHandleSMS_UnknownSender(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	_, err := env.db.CreatePendingRequest(context.Background(), "operator", testPhone, "Ozon", env.now.Add(-30*time.Second))
	require.NoError(t, err)

	resp := decodeEvent(t, env.do(smsRequest(url.Values{
		"virtual_phone_number": {testPhone},
		"notification_time":    {notificationTime(env.now)},
		"contact_phone_number": {"Unknown Shop"},
		"message":              {"123456"},
	})))

	assert.Equal(t, statusError, resp.Status)
	assert.Contains(t, string(resp.Details), "Unknown sender")
}

func TestHandleSMS_MissingParameter(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	resp := decodeEvent(t, env.do(smsRequest(url.Values{
		"virtual_phone_number": {testPhone},
		"notification_time":    {notificationTime(env.now)},
		"contact_phone_number": {"OZON.ru"},
	})))

	assert.Equal(t, statusError, resp.Status)
	assert.Contains(t, string(resp.Details), "Invalid message")
}

func TestHandleCall_ResolvesAnyMarketplace(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	id, err := env.db.CreatePendingRequest(context.Background(), "operator", testPhone, "WB", env.now.Add(-90*time.Second))
	require.NoError(t, err)

	q := url.Values{
		"virtual_phone_number": {testPhone},
		"notification_time":    {notificationTime(env.now)},
		"contact_phone_number": {"+7 999 555-44-33"},
	}
	resp := decodeEvent(t, env.do(httptest.NewRequest(http.MethodGet, "/call?"+q.Encode(), nil)))
	assert.Equal(t, statusOK, resp.Status)

	req, err := env.db.GetPendingRequest(context.Background(), id)
	require.NoError(t, err)
	require.True(t, req.Resolved())
	assert.Equal(t, "554433", *req.Message)
}

func TestHandleCall_InvalidTimestamp(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	q := url.Values{
		"virtual_phone_number": {testPhone},
		"notification_time":    {"yesterday"},
		"contact_phone_number": {"79995554433"},
	}
	resp := decodeEvent(t, env.do(httptest.NewRequest(http.MethodGet, "/call?"+q.Encode(), nil)))
	assert.Equal(t, statusError, resp.Status)
	assert.Contains(t, string(resp.Details), "notification_time")
}

func TestHandleCall_WrongMethod(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	w := env.do(httptest.NewRequest(http.MethodPost, "/call", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleLog(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "valid entry",
			body:     `{"timestamp":"2024-05-01 10:00:00","action":"login","ip_address":"203.0.113.9","city":"Moscow","country":"RU","user":"agent-7"}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "missing action",
			body:     `{"timestamp":"2024-05-01T10:00:00Z","ip_address":"203.0.113.9","city":"Moscow","country":"RU"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "malformed json",
			body:     `{"timestamp":`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "bad timestamp",
			body:     `{"timestamp":"soon","action":"login","ip_address":"203.0.113.9","city":"Moscow","country":"RU"}`,
			wantCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := env.do(req)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode == http.StatusOK {
				assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
			}
		})
	}
}

func TestHandleLog_StorageFailure(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	require.NoError(t, env.db.Close())

	body := `{"timestamp":"2024-05-01 10:00:00","action":"login","ip_address":"203.0.113.9","city":"Moscow","country":"RU"}`
	w := env.do(httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "DATABASE_QUERY")
}

func TestHandleDownloadApp_StreamsNewestVersion(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	content := bytes.Repeat([]byte("archive-"), 700)
	require.NoError(t, os.WriteFile(filepath.Join(env.release, "app_1.2.0.zip"), content, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.release, "app_1.0.0.zip"), []byte("old"), 0o600))

	w := env.do(httptest.NewRequest(http.MethodGet, "/download_app", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "app_1.2.0.zip")
	assert.Equal(t, "1.2.0", w.Header().Get("X-App-Version"))
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestHandleDownloadApp_MissingArchive(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/download_app", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func postProvider(target, contentType, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func providerDetails(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	resp := decodeEvent(t, w)
	assert.Equal(t, statusOK, resp.Status)
	var details map[string]string
	require.NoError(t, json.Unmarshal(resp.Details, &details))
	return details
}

func TestHandleProviderWebhook_FastPathInsertsResolvedRow(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	w := env.do(postProvider("/mts", "application/json",
		`{"text":"Wildberries code 654321","sender":"Wildberries","receiver":79001234567}`))

	details := providerDetails(t, w)
	assert.Equal(t, "queued", details["alert"])
	assert.Equal(t, "inserted", details["fast_path"])

	alerts := env.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, testPhone, alerts[0].Phone)
	assert.Contains(t, alerts[0].Message.Plain, "Wildberries code 654321")
}

func TestHandleProviderWebhook_FastPathResolvesPending(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	id, err := env.db.CreatePendingRequest(context.Background(), "operator", testPhone, "WB", time.Now().Add(-10*time.Second))
	require.NoError(t, err)

	form := url.Values{"text": {"code 111222"}, "sender": {"Wildberries"}, "receiver": {"+79001234567"}}
	w := env.do(postProvider("/mts", "application/x-www-form-urlencoded", form.Encode()))

	details := providerDetails(t, w)
	assert.Equal(t, "matched", details["fast_path"])

	req, err := env.db.GetPendingRequest(context.Background(), id)
	require.NoError(t, err)
	require.True(t, req.Resolved())
	assert.Equal(t, "111222", *req.Message)
}

func TestHandleProviderWebhook_OtherSenderOnlyAlerts(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	w := env.do(postProvider("/mts?sender=Yandex&receiver=79001234567", "text/plain", "Yandex code 333444"))

	details := providerDetails(t, w)
	assert.Equal(t, "skipped", details["fast_path"])
	alerts := env.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message.Plain, "Yandex code 333444")
}

func TestHandleProviderWebhook_RawBodyWithoutReceiver(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	w := env.do(postProvider("/mts", "", "just some text"))

	details := providerDetails(t, w)
	assert.Equal(t, "skipped", details["fast_path"])
	alerts := env.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Empty(t, alerts[0].Phone)
}

func TestHandleProviderWebhook_QueueFull(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	env.alerts.reject = true

	w := env.do(postProvider("/mts", "application/json", `{"text":"hi","sender":"Yandex","receiver":"9001234567"}`))

	details := providerDetails(t, w)
	assert.Equal(t, "dropped", details["alert"])
}

func TestHandleProviderWebhook_Empty(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})

	w := env.do(postProvider("/mts", "", ""))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.alerts.Alerts())
}

func TestParseProviderMessage(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		wantSource string
		want       providerMessage
	}{
		{
			name:       "json",
			target:     "/mts",
			body:       `{"text":"a","sender":"b","receiver":"c"}`,
			wantSource: "json",
			want:       providerMessage{Text: "a", Sender: "b", Receiver: "c"},
		},
		{
			name:       "json without known fields falls through to raw",
			target:     "/mts",
			body:       `{"other":1}`,
			wantSource: "raw",
			want:       providerMessage{Text: `{"other":1}`},
		},
		{
			name:       "form",
			target:     "/mts?sender=ignored",
			body:       "text=hello+there&sender=OZON.ru&receiver=79001234567",
			wantSource: "form",
			want:       providerMessage{Text: "hello there", Sender: "OZON.ru", Receiver: "79001234567"},
		},
		{
			name:       "query with raw text",
			target:     "/mts?sender=Yandex&receiver=79001234567",
			body:       "code 123456",
			wantSource: "query",
			want:       providerMessage{Text: "code 123456", Sender: "Yandex", Receiver: "79001234567"},
		},
		{
			name:       "raw",
			target:     "/mts",
			body:       "  plain  ",
			wantSource: "raw",
			want:       providerMessage{Text: "plain"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, nil)
			msg, source, err := parseProviderMessage(req, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, source)
			assert.Equal(t, tt.want, msg)
		})
	}

	_, _, err := parseProviderMessage(httptest.NewRequest(http.MethodPost, "/mts", nil), nil)
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		degraded   bool
		wantCode   int
		wantStatus string
		wantDB     string
	}{
		{name: "healthy", wantCode: http.StatusOK, wantStatus: "healthy", wantDB: "ok"},
		{name: "ping fails", pingErr: assert.AnError, wantCode: http.StatusServiceUnavailable, wantStatus: "unhealthy", wantDB: "unreachable"},
		{name: "retries exhausted", degraded: true, wantCode: http.StatusServiceUnavailable, wantStatus: "unhealthy", wantDB: "max retries exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, models.ServerConfig{})
			env.health.On("Ping", mock.Anything).Return(tt.pingErr)
			env.health.On("Degraded").Return(tt.degraded).Maybe()

			w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			var resp healthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantDB, resp.Database)
			assert.Equal(t, "CLOSED", resp.Telegram)
			env.health.AssertExpectations(t)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	env.health.On("Ping", mock.Anything).Return(nil)
	env.health.On("Degraded").Return(false)

	env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "smsrelay_http_requests_total")
}

func TestRequestIDHeader(t *testing.T) {
	env := setupTestEnv(t, models.ServerConfig{})
	env.health.On("Ping", mock.Anything).Return(nil)
	env.health.On("Degraded").Return(false)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
