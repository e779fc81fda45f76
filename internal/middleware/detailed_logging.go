package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/httputil"
	"smsrelay/internal/privacy"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"
)

// DetailedLoggingConfig controls what gets logged
type DetailedLoggingConfig struct {
	LogRequestHeaders bool
	TrustProxyHeaders bool
	Verbose           bool     // log query values unmasked
	SensitiveHeaders  []string // headers to mask
	SkipEndpoints     []string // paths that are never logged in detail
}

// DefaultDetailedLoggingConfig returns sensible defaults
func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders: true,
		SensitiveHeaders: []string{
			"authorization", "cookie", "x-api-key", "x-auth-token",
		},
		SkipEndpoints: []string{"/metrics", "/health"},
	}
}

// queryMaskers hide the webhook parameters that carry phone numbers or codes
var queryMaskers = map[string]func(string) string{
	"virtual_phone_number": privacy.MaskPhoneNumber,
	"contact_phone_number": privacy.MaskPhoneNumber,
	"receiver":             privacy.MaskPhoneNumber,
	"message":              hideText,
	"text":                 hideText,
}

func hideText(s string) string {
	if s == "" {
		return ""
	}
	return "[hidden]"
}

// DetailedLogging logs webhook parameters and headers at debug level
func DetailedLogging(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipped(r.URL.Path, config.SkipEndpoints) {
				next.ServeHTTP(w, r)
				return
			}

			fields := logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
				service.LogFieldEndpoint:  r.URL.Path,
				service.LogFieldRemoteIP:  httputil.GetClientIP(r, config.TrustProxyHeaders),
				"method":                  r.Method,
				"content_type":            r.Header.Get("Content-Type"),
				"content_length":          r.ContentLength,
			}
			if len(r.URL.RawQuery) > 0 {
				fields["query"] = maskQuery(r.URL.Query(), config.Verbose)
			}
			if config.LogRequestHeaders {
				fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
			}

			logger.WithFields(fields).Debug("Detailed request logging")
			next.ServeHTTP(w, r)
		})
	}
}

func skipped(path string, skip []string) bool {
	for _, s := range skip {
		if path == s {
			return true
		}
	}
	return false
}

func maskQuery(values url.Values, verbose bool) map[string]string {
	out := make(map[string]string, len(values))
	for name, vals := range values {
		joined := strings.Join(vals, ",")
		if mask, ok := queryMaskers[name]; ok && !verbose {
			joined = mask(joined)
		}
		out[name] = joined
	}
	return out
}

func maskHeaders(h http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name, sensitive) {
			out[name] = "***MASKED***"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}
