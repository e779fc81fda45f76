package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/models"
	"smsrelay/internal/privacy"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey marks a request whose logs may carry unmasked values
const VerboseContextKey ContextKey = "verbose"

// WithVerbose returns ctx flagged for verbose logging
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// eventFields describes ev for a log line. Phone and code are masked
// unless the request is verbose.
func eventFields(ctx context.Context, ev models.InboundEvent) logrus.Fields {
	fields := logrus.Fields{
		LogFieldEventKind:   string(ev.Kind),
		LogFieldMarketplace: ev.Marketplace,
		LogFieldObservedAt:  ev.ObservedAt,
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldPhone] = ev.Phone
		fields[LogFieldCode] = ev.Code
		fields[LogFieldSender] = ev.Sender
		return fields
	}
	fields[LogFieldPhone] = privacy.MaskPhoneNumber(ev.Phone)
	fields[LogFieldCode] = privacy.MaskCode(ev.Code)
	if ev.Kind != models.EventKindCall {
		fields[LogFieldSender] = ev.Sender
	}
	return fields
}

// chatField masks a chat id unless the request is verbose
func chatField(ctx context.Context, chatID string) string {
	if IsVerboseLogging(ctx) {
		return chatID
	}
	return privacy.MaskChatID(chatID)
}
