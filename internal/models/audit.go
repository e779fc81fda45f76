package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry is a row of the log table, submitted by remote agents
type AuditLogEntry struct {
	Timestamp     FlexTime  `json:"timestamp" validate:"-"`
	TimestampUser *FlexTime `json:"timestamp_user,omitempty" validate:"-"`
	Action        string    `json:"action" validate:"required,max=255"`
	User          *string   `json:"user,omitempty" validate:"omitempty,max=255"`
	IPAddress     string    `json:"ip_address" validate:"required,max=255"`
	City          string    `json:"city" validate:"required,max=255"`
	Country       string    `json:"country" validate:"required,max=255"`
	Proxy         *string   `json:"proxy,omitempty" validate:"omitempty,max=255"`
	Description   *string   `json:"description,omitempty"`
}

// Version is a row of the version table
type Version struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

var flexTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FlexTime accepts RFC3339 as well as the naive ISO forms agents commonly
// emit (no zone, space or T separator). Naive values are taken as UTC.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseFlexTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseFlexTime parses s with the layouts accepted by FlexTime
func ParseFlexTime(s string) (time.Time, error) {
	for _, layout := range flexTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
