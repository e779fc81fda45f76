package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"smsrelay/internal/constants"
	"smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/privacy"
	"smsrelay/internal/retry"
	"smsrelay/pkg/circuitbreaker"
)

// ErrParseEntities marks a MarkdownV2 rejection by the API
var ErrParseEntities = stderrors.New("telegram: can't parse entities")

// Client sends chat alerts
type Client interface {
	SendMessage(ctx context.Context, chatID string, msg Message) error
}

// Config holds the Bot API connection settings
type Config struct {
	BaseURL            string
	Token              string
	Timeout            time.Duration
	MaxAttempts        int
	Backoff            time.Duration
	RatePerSecond      float64
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// TelegramClient talks to the Bot API over HTTP. A shared rate limiter and
// circuit breaker guard every request.
type TelegramClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
	logger  *logrus.Logger
}

// NewClient creates a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logrus.Logger) *TelegramClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultTelegramAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(constants.DefaultTelegramTimeoutSec) * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultTelegramMaxAttempts
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = constants.DefaultTelegramRatePerSecond
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Duration(constants.DefaultBreakerTimeoutSec) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &TelegramClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:           "telegram",
			MaxFailures:    cfg.BreakerMaxFailures,
			OpenTimeout:    cfg.BreakerTimeout,
			HalfOpenProbes: 1,
			IsFailure:      errors.IsRetryable,
		}, logger),
		backoff: retry.FixedBackoffConfig(cfg.Backoff, cfg.MaxAttempts),
		logger:  logger,
	}
}

// SendMessage delivers msg as MarkdownV2, retrying transient failures. When
// the API rejects the markup or the attempts run out it sends msg.Plain once.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID string, msg Message) error {
	err := retry.NewBackoff(c.backoff).RetryIf(ctx, func(ctx context.Context) error {
		return c.send(ctx, chatID, msg.Markdown, ParseModeMarkdownV2)
	}, errors.IsRetryable)
	if err == nil {
		return nil
	}

	var exhausted *retry.ExhaustedError
	if !stderrors.Is(err, ErrParseEntities) && !stderrors.As(err, &exhausted) {
		return err
	}

	c.logger.WithError(err).WithField("chat_id", privacy.MaskChatID(chatID)).
		Warn("Formatted send failed, falling back to plain text")

	if plainErr := c.send(ctx, chatID, msg.Plain, ""); plainErr != nil {
		return fmt.Errorf("plain text fallback failed: %w (formatted: %v)", plainErr, err)
	}
	return nil
}

func (c *TelegramClient) send(ctx context.Context, chatID, text, parseMode string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.post(ctx, SendMessageRequest{
			ChatID:                chatID,
			Text:                  text,
			ParseMode:             parseMode,
			DisableWebPagePreview: true,
		})
	})
}

func (c *TelegramClient) post(ctx context.Context, payload SendMessageRequest) error {
	mode := payload.ParseMode
	if mode == "" {
		mode = "plain"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordTelegramRequest(mode, "network_error")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the token is part of the URL, keep it out of the error
		var urlErr *url.Error
		if stderrors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return errors.WrapRetryable(err, errors.ErrCodeTelegramAPI, "telegram request failed")
	}
	defer resp.Body.Close()

	metrics.RecordTelegramRequest(mode, strconv.Itoa(resp.StatusCode))

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiResp APIResponse
	_ = json.Unmarshal(respBody, &apiResp)

	if resp.StatusCode == http.StatusOK && apiResp.OK {
		return nil
	}

	description := apiResp.Description
	if description == "" {
		description = strings.TrimSpace(string(respBody))
	}

	var cause error = fmt.Errorf("status %d: %s", resp.StatusCode, description)
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(description), "can't parse entities") {
		cause = fmt.Errorf("%w: %s", ErrParseEntities, description)
	}

	appErr := errors.NewAPIError("sendMessage", resp.StatusCode, cause)
	if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
		appErr.WithContext("retry_after", apiResp.Parameters.RetryAfter)
	}
	return appErr
}

// BreakerState reports the circuit state for health output
func (c *TelegramClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
