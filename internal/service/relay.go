package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/constants"
	"smsrelay/internal/metrics"
	"smsrelay/internal/models"
	"smsrelay/internal/privacy"
	"smsrelay/pkg/telegram"
)

// SubscriberStore resolves the chats subscribed to a phone
type SubscriberStore interface {
	LookupSubscribers(ctx context.Context, phone string) ([]string, error)
}

// Alert is one notification about an inbound message
type Alert struct {
	Phone   string
	Message telegram.Message
}

// NewProviderAlert formats the alert sent for a provider webhook message
func NewProviderAlert(phone, sender, receiver, text string) Alert {
	return Alert{
		Phone:   phone,
		Message: telegram.NewMessage(fmt.Sprintf("SMS from %s to %s", sender, receiver), text),
	}
}

// Relay delivers alerts on a bounded worker pool
type Relay struct {
	store    SubscriberStore
	client   telegram.Client
	defaults []string
	workers  int
	queue    chan Alert
	logger   *logrus.Logger

	mu sync.RWMutex
}

func NewRelay(store SubscriberStore, client telegram.Client, defaultChats []string, cfg models.RelayConfig, logger *logrus.Logger) *Relay {
	if cfg.Workers < 1 {
		cfg.Workers = constants.DefaultRelayWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = constants.DefaultRelayQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Relay{
		store:    store,
		client:   client,
		defaults: dedupe(defaultChats),
		workers:  cfg.Workers,
		queue:    make(chan Alert, cfg.QueueSize),
		logger:   logger,
	}
}

// SetDefaultChats swaps the fallback recipients
func (r *Relay) SetDefaultChats(chats []string) {
	r.mu.Lock()
	r.defaults = dedupe(chats)
	r.mu.Unlock()
}

func (r *Relay) defaultChats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Enqueue hands a to the workers. It never blocks: when the queue is full
// the alert is dropped and false is returned.
func (r *Relay) Enqueue(a Alert) bool {
	select {
	case r.queue <- a:
		metrics.SetRelayQueueDepth(len(r.queue))
		return true
	default:
		metrics.RecordAlert("dropped")
		r.logger.WithFields(logrus.Fields{
			LogFieldPhone:      privacy.MaskPhoneNumber(a.Phone),
			LogFieldQueueDepth: cap(r.queue),
		}).Warn("Dropping alert: relay queue is full")
		return false
	}
}

// Run starts the workers and blocks until ctx is done and the workers have
// finished their current alert.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	r.logger.WithField(LogFieldCount, r.workers).Info("Notification relay started")

	wg.Wait()
	if n := len(r.queue); n > 0 {
		r.logger.WithField(LogFieldQueueDepth, n).Warn("Notification relay stopped with undelivered alerts")
	}
	return nil
}

func (r *Relay) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.queue:
			metrics.SetRelayQueueDepth(len(r.queue))
			// a started delivery finishes even when shutdown begins
			if err := r.Deliver(context.WithoutCancel(ctx), a); err != nil {
				r.logger.WithError(err).WithField(LogFieldPhone, privacy.MaskPhoneNumber(a.Phone)).
					Error("Failed to deliver alert")
			}
		}
	}
}

// Deliver sends a to the phone's subscribers. With no subscribers, a
// failed lookup or any failed send, the default chats get the alert
// instead. A default chat is contacted at most once per alert.
func (r *Relay) Deliver(ctx context.Context, a Alert) error {
	log := r.logger.WithField(LogFieldPhone, privacy.MaskPhoneNumber(a.Phone))

	recipients, err := r.store.LookupSubscribers(ctx, a.Phone)
	if err != nil {
		log.WithError(err).Warn("Subscriber lookup failed, using default chats")
		recipients = nil
	}

	contacted := make(map[string]bool)
	delivered := 0
	var errs []error

	send := func(chatID string) bool {
		contacted[chatID] = true
		if err := r.client.SendMessage(ctx, chatID, a.Message); err != nil {
			log.WithError(err).WithField(LogFieldChatID, chatField(ctx, chatID)).Warn("Failed to send alert")
			errs = append(errs, fmt.Errorf("chat %s: %w", privacy.MaskChatID(chatID), err))
			return false
		}
		delivered++
		return true
	}

	fallback := len(recipients) == 0
	for _, chatID := range dedupe(recipients) {
		if !send(chatID) {
			fallback = true
		}
	}

	if fallback {
		for _, chatID := range r.defaultChats() {
			if contacted[chatID] {
				continue
			}
			send(chatID)
		}
	}

	switch {
	case delivered == 0:
		metrics.RecordAlert("failed")
		if len(errs) == 0 {
			return fmt.Errorf("no recipients for alert")
		}
		return stderrors.Join(errs...)
	case fallback:
		metrics.RecordAlert("fallback")
	default:
		metrics.RecordAlert("delivered")
	}

	log.WithField(LogFieldRecipients, delivered).Info("Delivered alert")
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
