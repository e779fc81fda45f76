package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"smsrelay/internal/models"
)

func TestIsVerboseLogging(t *testing.T) {
	assert.False(t, IsVerboseLogging(context.Background()))
	assert.True(t, IsVerboseLogging(WithVerbose(context.Background(), true)))
	assert.False(t, IsVerboseLogging(WithVerbose(context.Background(), false)))
	assert.False(t, IsVerboseLogging(context.WithValue(context.Background(), "verbose", true)),
		"plain string keys must not collide")
}

func TestEventFields(t *testing.T) {
	ev := models.InboundEvent{
		Kind:        models.EventKindSMS,
		Phone:       "9001234567",
		Sender:      "OZON.ru",
		Marketplace: "Ozon",
		Code:        "123456",
		ObservedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	masked := eventFields(context.Background(), ev)
	assert.NotEqual(t, "9001234567", masked[LogFieldPhone])
	assert.NotEqual(t, "123456", masked[LogFieldCode])
	assert.Equal(t, "Ozon", masked[LogFieldMarketplace])
	assert.Equal(t, "OZON.ru", masked[LogFieldSender])

	verbose := eventFields(WithVerbose(context.Background(), true), ev)
	assert.Equal(t, "9001234567", verbose[LogFieldPhone])
	assert.Equal(t, "123456", verbose[LogFieldCode])

	call := ev
	call.Kind = models.EventKindCall
	call.Sender = "+79990001122"
	_, hasSender := eventFields(context.Background(), call)[LogFieldSender]
	assert.False(t, hasSender, "caller numbers stay out of masked logs")
}

func TestChatField(t *testing.T) {
	assert.NotEqual(t, "-1001234567", chatField(context.Background(), "-1001234567"))
	assert.Equal(t, "-1001234567", chatField(WithVerbose(context.Background(), true), "-1001234567"))
}
