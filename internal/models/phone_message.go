package models

import "time"

// EventKind identifies where an inbound notification came from
type EventKind string

const (
	EventKindSMS      EventKind = "sms"
	EventKindCall     EventKind = "call"
	EventKindProvider EventKind = "provider"
)

// PendingRequest is a row of the phone_message table: one verification
// code request issued by a login-automation client. It is pending while
// both TimeResponse and Message are nil and resolved once both are set.
type PendingRequest struct {
	ID           int64      `json:"id"`
	User         string     `json:"user"`
	Phone        string     `json:"phone"`
	Marketplace  string     `json:"marketplace"`
	TimeRequest  time.Time  `json:"time_request"`
	TimeResponse *time.Time `json:"time_response,omitempty"`
	Message      *string    `json:"message,omitempty"`
}

// Resolved reports whether the request has been answered
func (p *PendingRequest) Resolved() bool {
	return p.TimeResponse != nil && p.Message != nil
}

// InboundEvent is a normalized call or SMS notification. It is never
// persisted on its own.
type InboundEvent struct {
	Kind        EventKind
	Phone       string
	Sender      string
	Marketplace string // empty when the sender could not be mapped
	Code        string
	ObservedAt  time.Time
}

// MatchCriteria selects pending requests for one inbound event
type MatchCriteria struct {
	Phone        string
	Marketplaces []string // empty means any marketplace
	From         time.Time
	To           time.Time
}
