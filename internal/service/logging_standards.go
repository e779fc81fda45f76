package service

// Standard log field names. Use these exact keys so log queries work across
// handlers, the matcher and the relay.
const (
	// Correlation
	LogFieldRequestID   = "request_id"
	LogFieldTraceID     = "trace_id"
	LogFieldPhone       = "phone"
	LogFieldMarketplace = "marketplace"
	LogFieldSender      = "sender"
	LogFieldCode        = "code"
	LogFieldEventKind   = "event_kind"
	LogFieldObservedAt  = "observed_at"

	// Notification relay
	LogFieldChatID     = "chat_id"
	LogFieldRecipients = "recipients"
	LogFieldQueueDepth = "queue_depth"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"

	// Performance
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Network
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"

	// Errors and retries
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log levels
//
// DEBUG: lookups that found nothing yet, raw webhook parameters (masked).
// INFO: startup and shutdown, resolved requests, delivered alerts.
// WARN: dropped events, fallback delivery, retryable storage errors, full relay queue.
// ERROR: failed operations surfaced to a caller, exhausted retries.
// FATAL: startup cannot continue (bad config, database never reachable).
//
// Messages read "Resolved pending request", "Failed to deliver alert",
// "Dropping event: <reason>".
