package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"smsrelay/internal/constants"
	"smsrelay/internal/database"
	"smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/models"
)

// ErrNoMatch is returned when no pending request fits an event after every lookup
var ErrNoMatch = stderrors.New("no pending request matched")

// maxCASRounds bounds re-selection after lost conditional updates within one transaction
const maxCASRounds = 8

// RequestStore is the part of the persistence gateway the matcher needs
type RequestStore interface {
	InTx(ctx context.Context, operation string, fn func(ctx context.Context, rtx database.RequestTx) error) error
	InsertResolved(ctx context.Context, req models.PendingRequest) (int64, error)
}

// MatchResult describes the request an event resolved
type MatchResult struct {
	Request  models.PendingRequest
	Attempts int
	Inserted  bool // provider fast path created the row
	Duplicate bool // the event had already resolved Request
}

// Matcher correlates inbound events with pending requests
type Matcher struct {
	store       RequestStore
	logger      *logrus.Logger
	before      time.Duration
	after       time.Duration
	attempts    int
	delay       time.Duration
	timeout     time.Duration
	defaults    []string
	rejectUnmap bool
	provider    models.ProviderConfig
}

func NewMatcher(store RequestStore, cfg models.MatcherConfig, provider models.ProviderConfig, logger *logrus.Logger) *Matcher {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Matcher{
		store:       store,
		logger:      logger,
		before:      time.Duration(cfg.WindowBeforeSec) * time.Second,
		after:       time.Duration(cfg.WindowAfterSec) * time.Second,
		attempts:    cfg.NoMatchAttempts,
		delay:       time.Duration(cfg.NoMatchDelayMs) * time.Millisecond,
		timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		defaults:    append([]string(nil), cfg.DefaultMarketplaces...),
		rejectUnmap: cfg.RejectUnknownSenders,
		provider:    provider,
	}
	if m.before <= 0 {
		m.before = constants.DefaultMatchWindowBeforeSec * time.Second
	}
	if m.after < 0 {
		m.after = 0
	}
	if m.attempts < 1 {
		m.attempts = 1
	}
	if m.delay < 0 {
		m.delay = 0
	}
	if m.timeout <= 0 {
		m.timeout = constants.DefaultMatchTimeoutSec * time.Second
	}
	if len(m.defaults) == 0 {
		m.defaults = append([]string(nil), constants.DefaultMarketplaces...)
	}
	if m.provider.SystemUser == "" {
		m.provider.SystemUser = constants.DefaultProviderSystemUser
	}
	if m.provider.FastPathMarketplace == "" {
		m.provider.FastPathMarketplace = constants.DefaultFastPathMarketplace
	}
	return m
}

// Criteria builds the candidate filter for ev. Calls carry no sender, so
// they match a request for any marketplace. An unmapped SMS sender falls
// back to the default marketplace set.
func (m *Matcher) Criteria(ev models.InboundEvent) models.MatchCriteria {
	c := models.MatchCriteria{
		Phone: ev.Phone,
		From:  ev.ObservedAt.Add(-m.before),
		To:    ev.ObservedAt.Add(m.after),
	}
	switch {
	case ev.Kind == models.EventKindCall:
	case ev.Marketplace != "":
		c.Marketplaces = []string{ev.Marketplace}
	default:
		c.Marketplaces = m.defaults
	}
	return c
}

// IsFastPath reports whether a provider event should take the fast path
func (m *Matcher) IsFastPath(ev models.InboundEvent) bool {
	return ev.Kind == models.EventKindProvider && ev.Marketplace != "" && ev.Marketplace == m.provider.FastPathMarketplace
}

// Match resolves the oldest pending request that fits ev. Lookups that find
// nothing are repeated after a pause, since the request row may not have
// been written yet. The work is detached from ctx cancellation so an
// impatient webhook caller cannot abort a half-done resolution.
func (m *Matcher) Match(ctx context.Context, ev models.InboundEvent) (*MatchResult, error) {
	if ev.Kind == models.EventKindSMS && ev.Marketplace == "" && m.rejectUnmap {
		metrics.RecordEvent(string(ev.Kind), "rejected")
		return nil, errors.NewUnknownSenderError(ev.Sender)
	}

	ctx, cancel := m.detach(ctx)
	defer cancel()

	criteria := m.Criteria(ev)
	log := m.logger.WithFields(eventFields(ctx, ev))

	for attempt := 1; attempt <= m.attempts; attempt++ {
		req, duplicate, err := m.resolve(ctx, ev, criteria)
		if err != nil {
			metrics.RecordEvent(string(ev.Kind), "error")
			return nil, err
		}
		if duplicate {
			metrics.RecordMatchLookups(attempt)
			metrics.RecordEvent(string(ev.Kind), "duplicate")
			log.WithField(LogFieldRequestID, req.ID).Info("Event already resolved a request, ignoring redelivery")
			return &MatchResult{Request: *req, Attempts: attempt, Duplicate: true}, nil
		}
		if req != nil {
			metrics.RecordMatchLookups(attempt)
			metrics.RecordEvent(string(ev.Kind), "matched")
			log.WithFields(logrus.Fields{
				LogFieldRequestID: req.ID,
				LogFieldAttempt:   attempt,
			}).Info("Resolved pending request")
			return &MatchResult{Request: *req, Attempts: attempt}, nil
		}

		if attempt == m.attempts {
			break
		}
		log.WithField(LogFieldAttempt, attempt).Debug("No pending request yet, retrying lookup")
		if err := sleep(ctx, m.delay); err != nil {
			metrics.RecordEvent(string(ev.Kind), "error")
			return nil, errors.NewTimeoutError("match", m.timeout.String())
		}
	}

	metrics.RecordMatchLookups(m.attempts)
	metrics.RecordEvent(string(ev.Kind), "unmatched")
	log.WithField(LogFieldAttempt, m.attempts).Warn("Dropping event: no pending request in window")
	return nil, ErrNoMatch
}

// MatchProvider handles a provider event on the fast path: one lookup and,
// when InsertOnMiss is set, an already resolved row owned by the system user.
func (m *Matcher) MatchProvider(ctx context.Context, ev models.InboundEvent) (*MatchResult, error) {
	ctx, cancel := m.detach(ctx)
	defer cancel()

	req, duplicate, err := m.resolve(ctx, ev, m.Criteria(ev))
	if err != nil {
		metrics.RecordEvent(string(ev.Kind), "error")
		return nil, err
	}
	metrics.RecordMatchLookups(1)
	if duplicate {
		metrics.RecordEvent(string(ev.Kind), "duplicate")
		return &MatchResult{Request: *req, Attempts: 1, Duplicate: true}, nil
	}
	if req != nil {
		metrics.RecordEvent(string(ev.Kind), "matched")
		return &MatchResult{Request: *req, Attempts: 1}, nil
	}

	if !m.provider.InsertOnMiss {
		metrics.RecordEvent(string(ev.Kind), "unmatched")
		return nil, ErrNoMatch
	}

	at := ev.ObservedAt.UTC().Truncate(time.Microsecond)
	code := ev.Code
	row := models.PendingRequest{
		User:         m.provider.SystemUser,
		Phone:        ev.Phone,
		Marketplace:  ev.Marketplace,
		TimeRequest:  at,
		TimeResponse: &at,
		Message:      &code,
	}
	id, err := m.store.InsertResolved(ctx, row)
	if err != nil {
		metrics.RecordEvent(string(ev.Kind), "error")
		return nil, err
	}
	row.ID = id

	metrics.RecordEvent(string(ev.Kind), "inserted")
	m.logger.WithFields(eventFields(ctx, ev)).WithField(LogFieldRequestID, id).
		Info("Recorded provider code without a pending request")
	return &MatchResult{Request: row, Attempts: 1, Inserted: true}, nil
}

// resolve selects and resolves one candidate in a single transaction. A
// row already holding this code at this response time means the event is a
// repeated delivery, and it is returned with duplicate set. A lost
// conditional update means a concurrent event took the row, so the
// duplicate check and the selection run again.
func (m *Matcher) resolve(ctx context.Context, ev models.InboundEvent, c models.MatchCriteria) (*models.PendingRequest, bool, error) {
	var (
		resolved  *models.PendingRequest
		duplicate bool
	)
	// PostgreSQL keeps microseconds; a finer timestamp would never compare equal
	observed := ev.ObservedAt.UTC().Truncate(time.Microsecond)

	err := m.store.InTx(ctx, "match_"+string(ev.Kind), func(ctx context.Context, rtx database.RequestTx) error {
		resolved, duplicate = nil, false
		for round := 0; round < maxCASRounds; round++ {
			prev, err := rtx.FindResolvedByCode(ctx, c, ev.Code, observed)
			if err != nil {
				return err
			}
			if prev != nil {
				resolved, duplicate = prev, true
				return nil
			}

			req, err := rtx.FindUnresolved(ctx, c)
			if err != nil {
				return err
			}
			if req == nil {
				return nil
			}

			at := observed
			if at.Before(req.TimeRequest) {
				at = req.TimeRequest
			}

			won, err := rtx.Resolve(ctx, req.ID, at, ev.Code)
			if err != nil {
				return err
			}
			if won {
				code := ev.Code
				req.TimeResponse = &at
				req.Message = &code
				resolved = req
				return nil
			}
			metrics.RecordCASConflict()
		}
		return fmt.Errorf("request for %s kept changing under concurrent updates", ev.Kind)
	})
	if err != nil {
		return nil, false, err
	}
	return resolved, duplicate, nil
}

func (m *Matcher) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
