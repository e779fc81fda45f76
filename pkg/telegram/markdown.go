package telegram

import (
	"strings"
	"unicode/utf8"
)

// markdownV2Special must be backslash-escaped anywhere in MarkdownV2 text
const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// MaxMessageRunes is the Bot API limit on message text length
const MaxMessageRunes = 4096

// EscapeMarkdownV2 escapes s so it renders literally
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Message carries the same content rendered twice: MarkdownV2 for the first
// attempt and plain text for the fallback.
type Message struct {
	Markdown string
	Plain    string
}

// NewMessage builds a message with a bold title line followed by body.
// Both renderings are cut to MaxMessageRunes without splitting an escape;
// an oversized title is cut too and leaves no room for body.
func NewMessage(title, body string) Message {
	plain := body
	if title != "" {
		plain = title + "\n" + body
	}

	var md strings.Builder
	budget := MaxMessageRunes
	if title != "" {
		// two asterisks and the newline
		t := "*" + escapeWithin(title, budget-3) + "*\n"
		md.WriteString(t)
		budget -= utf8.RuneCountInString(t)
	}
	md.WriteString(escapeWithin(body, budget))

	return Message{
		Markdown: md.String(),
		Plain:    truncateRunes(plain, MaxMessageRunes),
	}
}

func escapeWithin(s string, budget int) string {
	var b strings.Builder
	used := 0
	for _, r := range s {
		cost := 1
		if strings.ContainsRune(markdownV2Special, r) {
			cost = 2
		}
		if used+cost > budget {
			break
		}
		if cost == 2 {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
		used += cost
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
