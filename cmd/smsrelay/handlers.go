package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/database"
	"smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/models"
	"smsrelay/internal/normalize"
	"smsrelay/internal/privacy"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"
)

const (
	maxLogBodyBytes      = 64 << 10
	maxProviderBodyBytes = 1 << 20
	healthCheckTimeout   = 5 * time.Second
)

// Event webhook statuses. Event endpoints answer 200 whatever happened.
const (
	statusOK       = "ok"
	statusNotFound = "not_found"
	statusError    = "error"
)

type eventResponse struct {
	Status  string `json:"status"`
	Details any    `json:"details"`
}

type matchDetails struct {
	ID          int64  `json:"id"`
	Marketplace string `json:"marketplace"`
	Attempts    int    `json:"attempts"`
	Inserted    bool   `json:"inserted,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, errors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func (s *Server) handleNotFound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, errors.NewNotFoundError("endpoint", r.URL.Path))
	}
}

func (s *Server) handleMethodNotAllowed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)).
			WithUserMessage("Method not allowed")
		s.writeError(w, r, http.StatusMethodNotAllowed, err)
	}
}

func requireParams(q url.Values, names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(q.Get(name)) == "" {
			return errors.NewInvalidInputError(name, "parameter is required")
		}
	}
	return nil
}

func (s *Server) handleCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := requireParams(q, "virtual_phone_number", "notification_time", "contact_phone_number"); err != nil {
			s.rejectEvent(w, r, models.EventKindCall, err)
			return
		}

		ev, err := s.deps.Normalizer.Call(q.Get("virtual_phone_number"), q.Get("contact_phone_number"), q.Get("notification_time"))
		if err != nil {
			s.rejectEvent(w, r, models.EventKindCall, err)
			return
		}

		res, err := s.deps.Matcher.Match(r.Context(), ev)
		s.respondEvent(w, r, ev, res, err)
	}
}

func (s *Server) handleSMS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := requireParams(q, "virtual_phone_number", "notification_time", "contact_phone_number", "message"); err != nil {
			s.rejectEvent(w, r, models.EventKindSMS, err)
			return
		}

		ev, err := s.deps.Normalizer.SMS(q.Get("virtual_phone_number"), q.Get("contact_phone_number"), q.Get("message"), q.Get("notification_time"))
		if err != nil {
			s.rejectEvent(w, r, models.EventKindSMS, err)
			return
		}

		res, err := s.deps.Matcher.Match(r.Context(), ev)
		s.respondEvent(w, r, ev, res, err)
	}
}

func (s *Server) rejectEvent(w http.ResponseWriter, r *http.Request, kind models.EventKind, err error) {
	metrics.RecordEvent(string(kind), "rejected")
	s.logger.WithFields(logrus.Fields{
		service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
		service.LogFieldTraceID:   tracing.GetTraceID(r.Context()),
		service.LogFieldEventKind: kind,
		service.LogFieldErrorCode: errors.GetCode(err),
	}).Warn("Rejected malformed event")
	writeJSON(w, http.StatusOK, eventResponse{Status: statusError, Details: errors.GetUserMessage(err)})
}

// respondEvent translates a match outcome into the webhook body. Gateway
// exhaustion is reported as unavailability; /health carries the hard signal.
func (s *Server) respondEvent(w http.ResponseWriter, r *http.Request, ev models.InboundEvent, res *service.MatchResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, eventResponse{Status: statusOK, Details: matchDetails{
			ID:          res.Request.ID,
			Marketplace: res.Request.Marketplace,
			Attempts:    res.Attempts,
			Inserted:    res.Inserted,
			Duplicate:   res.Duplicate,
		}})
	case stderrors.Is(err, service.ErrNoMatch):
		writeJSON(w, http.StatusOK, eventResponse{Status: statusNotFound, Details: err.Error()})
	default:
		if stderrors.Is(err, database.ErrMaxRetriesExceeded) {
			err = errors.NewUnavailableError("match_"+string(ev.Kind), err)
		}
		s.errLog.LogError(err, "Event processing failed", logrus.Fields{
			service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			service.LogFieldEventKind: ev.Kind,
			service.LogFieldPhone:     privacy.MaskPhoneNumber(ev.Phone),
		})
		writeJSON(w, http.StatusOK, eventResponse{Status: statusError, Details: errors.GetUserMessage(err)})
	}
}

func (s *Server) handleDownloadApp() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pkg, err := s.deps.Releases.Open(r.Context())
		if err != nil {
			status := errors.HTTPStatusCode(err)
			if status == http.StatusNotFound {
				metrics.RecordDownload("not_found")
			} else {
				metrics.RecordDownload("error")
			}
			s.errLog.LogWarn(err, "Release download unavailable", logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			})
			s.writeError(w, r, status, err)
			return
		}
		defer func() {
			if err := pkg.Close(); err != nil {
				s.logger.WithError(err).Warn("Failed to close release archive")
			}
		}()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.Name))
		w.Header().Set("Content-Length", fmt.Sprint(pkg.Size))
		w.Header().Set("X-App-Version", pkg.Version)
		w.WriteHeader(http.StatusOK)

		n, err := pkg.WriteTo(w)
		if err != nil {
			// headers are gone, the client sees a short body
			metrics.RecordDownload("error")
			s.logger.WithError(err).WithFields(logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
				"written_bytes":           n,
				"size_bytes":              pkg.Size,
			}).Error("Release download interrupted")
			return
		}
		metrics.RecordDownload("served")
		s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			service.LogFieldDuration:  tracing.Elapsed(r.Context()).Milliseconds(),
			"version":                 pkg.Version,
			"size_bytes":              n,
		}).Info("Release downloaded")
	}
}

func (s *Server) handleLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entry models.AuditLogEntry
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogBodyBytes))
		if err := dec.Decode(&entry); err != nil {
			metrics.RecordAuditEntry("invalid")
			s.writeError(w, r, http.StatusUnprocessableEntity, errors.NewValidationError("body", err.Error()))
			return
		}

		if err := s.deps.Audit.Record(r.Context(), entry); err != nil {
			status := http.StatusInternalServerError
			if errors.GetCode(err) == errors.ErrCodeValidationFailed {
				status = http.StatusUnprocessableEntity
			}
			s.writeError(w, r, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": statusOK})
	}
}

// providerMessage is the payload of the provider webhook
type providerMessage struct {
	Text     string
	Sender   string
	Receiver string
}

func (m providerMessage) empty() bool {
	return m.Text == "" && m.Sender == "" && m.Receiver == ""
}

func providerFromValues(v url.Values) providerMessage {
	return providerMessage{
		Text:     strings.TrimSpace(v.Get("text")),
		Sender:   strings.TrimSpace(v.Get("sender")),
		Receiver: strings.TrimSpace(v.Get("receiver")),
	}
}

// parseProviderMessage tries a JSON body, a form body, the query string and
// finally the raw body as message text, in that order.
func parseProviderMessage(r *http.Request, body []byte) (providerMessage, string, error) {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err == nil {
			msg := providerMessage{
				Text:     jsonString(fields["text"]),
				Sender:   jsonString(fields["sender"]),
				Receiver: jsonString(fields["receiver"]),
			}
			if !msg.empty() {
				return msg, "json", nil
			}
		}
	}

	if len(trimmed) > 0 {
		if values, err := url.ParseQuery(string(trimmed)); err == nil {
			if msg := providerFromValues(values); !msg.empty() {
				return msg, "form", nil
			}
		}
	}

	if msg := providerFromValues(r.URL.Query()); !msg.empty() {
		if msg.Text == "" && len(trimmed) > 0 {
			msg.Text = string(trimmed)
		}
		return msg, "query", nil
	}

	if len(trimmed) > 0 {
		return providerMessage{Text: string(trimmed)}, "raw", nil
	}
	return providerMessage{}, "", errors.NewInvalidInputError("body", "provider message is empty")
}

func jsonString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func (s *Server) handleProviderWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := tracing.GetRequestID(r.Context())

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProviderBodyBytes))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.NewInvalidInputError("body", "failed to read body"))
			return
		}
		msg, source, err := parseProviderMessage(r, body)
		if err != nil {
			metrics.RecordEvent(string(models.EventKindProvider), "rejected")
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}

		// An unparseable receiver still produces an alert for the default chats
		phone, phoneErr := normalize.Phone(msg.Receiver)
		log := s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID: requestID,
			service.LogFieldSender:    msg.Sender,
			service.LogFieldPhone:     privacy.MaskPhoneNumber(phone),
			"payload_source":          source,
		})

		details := map[string]string{"alert": "queued"}
		if !s.deps.Alerts.Enqueue(service.NewProviderAlert(phone, msg.Sender, msg.Receiver, msg.Text)) {
			details["alert"] = "dropped"
		}

		if phoneErr != nil {
			log.Warn("Provider message without a usable receiver; fast path skipped")
			details["fast_path"] = "skipped"
			writeJSON(w, http.StatusOK, eventResponse{Status: statusOK, Details: details})
			return
		}

		ev, err := s.deps.Normalizer.Provider(msg.Receiver, msg.Sender, msg.Text, time.Now())
		if err != nil || !s.deps.Matcher.IsFastPath(ev) || strings.TrimSpace(ev.Code) == "" {
			details["fast_path"] = "skipped"
			writeJSON(w, http.StatusOK, eventResponse{Status: statusOK, Details: details})
			return
		}

		res, err := s.deps.Matcher.MatchProvider(r.Context(), ev)
		switch {
		case err == nil && res.Inserted:
			details["fast_path"] = "inserted"
		case err == nil && res.Duplicate:
			details["fast_path"] = "duplicate"
		case err == nil:
			details["fast_path"] = "matched"
		case stderrors.Is(err, service.ErrNoMatch):
			details["fast_path"] = statusNotFound
		default:
			if stderrors.Is(err, database.ErrMaxRetriesExceeded) {
				err = errors.NewUnavailableError("match_provider", err)
			}
			s.errLog.LogError(err, "Provider fast path failed", log.Data)
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, eventResponse{Status: statusOK, Details: details})
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Telegram string `json:"telegram,omitempty"`
	Version  string `json:"version"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := healthResponse{Status: "healthy", Database: "ok", Version: Version}
		status := http.StatusOK

		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check: database ping failed")
			resp.Status, resp.Database = "unhealthy", "unreachable"
			status = http.StatusServiceUnavailable
		} else if s.deps.Health.Degraded() {
			resp.Status, resp.Database = "unhealthy", database.ErrMaxRetriesExceeded.Error()
			status = http.StatusServiceUnavailable
		}
		if s.deps.BreakerState != nil {
			resp.Telegram = s.deps.BreakerState().String()
		}
		writeJSON(w, status, resp)
	}
}
