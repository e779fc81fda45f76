// Package normalize turns raw call, SMS and provider webhook parameters into
// canonical inbound events: a 10-digit phone, a marketplace tag, a short code
// and a skew-corrected observation time.
package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"smsrelay/internal/errors"
	"smsrelay/internal/models"
)

const (
	PhoneDigits    = 10
	CallCodeDigits = 6
)

var (
	sixDigitRe   = regexp.MustCompile(`(?:^|\D)(\d{6})(?:\D|$)`)
	splitCodeRe  = regexp.MustCompile(`(?:^|\D)(\d{3})-(\d{3})(?:\D|$)`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	naiveLayouts = []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999",
	}
)

// Phone strips formatting and keeps the trailing 10 digits, which drops
// country prefixes such as +7 or a leading 8.
func Phone(raw string) (string, error) {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if len(digits) < PhoneDigits {
		return "", errors.NewInvalidInputError("phone",
			fmt.Sprintf("need at least %d digits, got %d", PhoneDigits, len(digits)))
	}
	return digits[len(digits)-PhoneDigits:], nil
}

// ExtractCode prefers a standalone 6-digit run, then a DDD-DDD pair, and
// falls back to the text itself, unmodified.
func ExtractCode(text string) string {
	if m := sixDigitRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := splitCodeRe.FindStringSubmatch(text); m != nil {
		return m[1] + m[2]
	}
	return text
}

// CallCode derives the code of a voice-call verification from the last six
// digits of the calling number.
func CallCode(contact string) (string, error) {
	digits := nonDigitRe.ReplaceAllString(contact, "")
	if len(digits) < CallCodeDigits {
		return "", errors.NewInvalidInputError("contact_phone_number",
			fmt.Sprintf("need at least %d digits, got %d", CallCodeDigits, len(digits)))
	}
	return digits[len(digits)-CallCodeDigits:], nil
}

// Normalizer holds the sender table and the reference clock
type Normalizer struct {
	mu      sync.RWMutex
	senders map[string]string
	loc     *time.Location
	now     func() time.Time
}

// New builds a Normalizer. senders maps display names to marketplace tags;
// offsetHours is the fixed UTC offset of the reference clock.
func New(senders map[string]string, offsetHours int) *Normalizer {
	n := &Normalizer{
		loc: time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600),
		now: time.Now,
	}
	n.SetSenders(senders)
	return n
}

// WithClock replaces the reference clock
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// SetSenders swaps the sender table. Safe for concurrent use.
func (n *Normalizer) SetSenders(senders map[string]string) {
	table := make(map[string]string, len(senders))
	for name, tag := range senders {
		table[senderKey(name)] = tag
	}
	n.mu.Lock()
	n.senders = table
	n.mu.Unlock()
}

// Marketplace maps a sender display name to its tag, or "" when unknown
func (n *Normalizer) Marketplace(sender string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.senders[senderKey(sender)]
}

func senderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseTimestamp reads a naive notification timestamp as wall-clock time in
// the reference zone. RFC3339 input has its offset discarded since senders
// cannot be trusted to report it correctly.
func (n *Normalizer) ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, n.loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), n.loc), nil
	}
	return time.Time{}, errors.NewInvalidInputError("notification_time", fmt.Sprintf("unrecognized timestamp %q", raw))
}

// CorrectSkew shifts t by the whole number of hours separating it from the
// reference clock. Offsets under 30 minutes round to zero, so correcting an
// already corrected time is a no-op.
func (n *Normalizer) CorrectSkew(t time.Time) time.Time {
	hours := math.Round(n.now().Sub(t).Hours())
	return t.Add(time.Duration(hours) * time.Hour).UTC()
}

// ObservedAt parses and skew-corrects a raw notification timestamp
func (n *Normalizer) ObservedAt(raw string) (time.Time, error) {
	t, err := n.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, err
	}
	return n.CorrectSkew(t), nil
}

// SMS normalizes an SMS webhook. sender is a display name; an unmapped
// sender leaves Marketplace empty and the caller decides what that means.
func (n *Normalizer) SMS(virtualPhone, sender, text, notificationTime string) (models.InboundEvent, error) {
	phone, err := Phone(virtualPhone)
	if err != nil {
		return models.InboundEvent{}, err
	}
	observed, err := n.ObservedAt(notificationTime)
	if err != nil {
		return models.InboundEvent{}, err
	}
	if strings.TrimSpace(text) == "" {
		return models.InboundEvent{}, errors.NewInvalidInputError("message", "message is empty")
	}
	code := ExtractCode(text)
	return models.InboundEvent{
		Kind:        models.EventKindSMS,
		Phone:       phone,
		Sender:      strings.TrimSpace(sender),
		Marketplace: n.Marketplace(sender),
		Code:        code,
		ObservedAt:  observed,
	}, nil
}

// Call normalizes a voice-call webhook
func (n *Normalizer) Call(virtualPhone, contact, notificationTime string) (models.InboundEvent, error) {
	phone, err := Phone(virtualPhone)
	if err != nil {
		return models.InboundEvent{}, err
	}
	code, err := CallCode(contact)
	if err != nil {
		return models.InboundEvent{}, err
	}
	observed, err := n.ObservedAt(notificationTime)
	if err != nil {
		return models.InboundEvent{}, err
	}
	return models.InboundEvent{
		Kind:       models.EventKindCall,
		Phone:      phone,
		Sender:     contact,
		Code:       code,
		ObservedAt: observed,
	}, nil
}

// Provider normalizes a provider webhook message. The provider stamps its
// own receive time, so at is used without skew correction.
func (n *Normalizer) Provider(receiver, sender, text string, at time.Time) (models.InboundEvent, error) {
	phone, err := Phone(receiver)
	if err != nil {
		return models.InboundEvent{}, err
	}
	return models.InboundEvent{
		Kind:        models.EventKindProvider,
		Phone:       phone,
		Sender:      strings.TrimSpace(sender),
		Marketplace: n.Marketplace(sender),
		Code:        ExtractCode(text),
		ObservedAt:  at.UTC(),
	}, nil
}
