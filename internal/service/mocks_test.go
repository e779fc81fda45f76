package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"smsrelay/internal/database"
	"smsrelay/internal/models"
	"smsrelay/pkg/telegram"
)

// Mock request store. InTx runs fn against tx unless an error is configured.
type mockRequestStore struct {
	mock.Mock
	tx *mockRequestTx
}

func (m *mockRequestStore) InTx(ctx context.Context, operation string, fn func(ctx context.Context, rtx database.RequestTx) error) error {
	args := m.Called(ctx, operation)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx, m.tx)
}

func (m *mockRequestStore) InsertResolved(ctx context.Context, req models.PendingRequest) (int64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(int64), args.Error(1)
}

type mockRequestTx struct {
	mock.Mock
}

func (m *mockRequestTx) FindUnresolved(ctx context.Context, c models.MatchCriteria) (*models.PendingRequest, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PendingRequest), args.Error(1)
}

func (m *mockRequestTx) FindResolvedByCode(ctx context.Context, c models.MatchCriteria, code string, at time.Time) (*models.PendingRequest, error) {
	args := m.Called(ctx, c, code, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PendingRequest), args.Error(1)
}

func (m *mockRequestTx) Resolve(ctx context.Context, id int64, at time.Time, code string) (bool, error) {
	args := m.Called(ctx, id, at, code)
	return args.Bool(0), args.Error(1)
}

type mockSubscriberStore struct {
	mock.Mock
}

func (m *mockSubscriberStore) LookupSubscribers(ctx context.Context, phone string) ([]string, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockTelegramClient struct {
	mock.Mock
}

func (m *mockTelegramClient) SendMessage(ctx context.Context, chatID string, msg telegram.Message) error {
	args := m.Called(ctx, chatID, msg)
	return args.Error(0)
}
