package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"smsrelay/internal/constants"
	"smsrelay/internal/models"
	"smsrelay/internal/security"
)

// EnvPrefix prefixes every environment override, e.g. SMSRELAY_DATABASE_DSN
const EnvPrefix = "SMSRELAY"

// keyDelimiter replaces viper's "." so sender names such as "OZON.ru" stay
// single keys
const keyDelimiter = "::"

var (
	ErrMissingDSN        = models.ConfigError{Message: "missing database DSN"}
	ErrInvalidPort       = models.ConfigError{Message: "server port must be between 1 and 65535"}
	ErrInvalidWindow     = models.ConfigError{Message: "match window must not be negative and the before window must be positive"}
	ErrInvalidOffset     = models.ConfigError{Message: "reference UTC offset must be between -12 and 14 hours"}
	ErrMissingReleaseDir = models.ConfigError{Message: "missing release storage directory"}
)

// LoadConfig reads the optional JSON or YAML file at path, applies
// SMSRELAY_* environment overrides and validates the result. An empty
// path loads defaults and environment only.
func LoadConfig(path string) (*models.Config, error) {
	v := newViper()

	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := validateSecurity(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_", ".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	key := func(parts ...string) string { return strings.Join(parts, keyDelimiter) }

	v.SetDefault("log_level", "info")

	v.SetDefault(key("server", "port"), constants.DefaultServerPort)
	v.SetDefault(key("server", "allowed_ips"), []string{})
	v.SetDefault(key("server", "trust_proxy_headers"), false)
	v.SetDefault(key("server", "read_timeout_sec"), constants.DefaultServerReadTimeoutSec)
	v.SetDefault(key("server", "write_timeout_sec"), constants.DefaultServerWriteTimeoutSec)
	v.SetDefault(key("server", "idle_timeout_sec"), constants.DefaultServerIdleTimeoutSec)

	v.SetDefault(key("database", "dsn"), constants.DefaultDatabaseDSN)
	v.SetDefault(key("database", "max_open_conns"), constants.DefaultDatabaseMaxOpenConns)
	v.SetDefault(key("database", "max_idle_conns"), constants.DefaultDatabaseMaxIdleConns)
	v.SetDefault(key("database", "conn_max_lifetime_sec"), constants.DefaultDatabaseConnMaxLifetimeSec)
	v.SetDefault(key("database", "conn_max_idle_time_sec"), constants.DefaultDatabaseConnMaxIdleTimeSec)
	v.SetDefault(key("database", "connect_timeout_sec"), constants.DefaultDatabaseConnectTimeoutSec)
	v.SetDefault(key("database", "retry_attempts"), constants.DefaultDatabaseRetryAttempts)
	v.SetDefault(key("database", "retry_delay_ms"), constants.DefaultDatabaseRetryDelayMs)
	v.SetDefault(key("database", "auto_migrate"), true)

	v.SetDefault(key("matcher", "window_before_sec"), constants.DefaultMatchWindowBeforeSec)
	v.SetDefault(key("matcher", "window_after_sec"), constants.DefaultMatchWindowAfterSec)
	v.SetDefault(key("matcher", "no_match_attempts"), constants.DefaultNoMatchAttempts)
	v.SetDefault(key("matcher", "no_match_delay_ms"), constants.DefaultNoMatchDelayMs)
	v.SetDefault(key("matcher", "default_marketplaces"), constants.DefaultMarketplaces)
	v.SetDefault(key("matcher", "reject_unknown_senders"), true)
	v.SetDefault(key("matcher", "reference_utc_offset_hours"), constants.DefaultReferenceUTCOffsetHour)
	v.SetDefault(key("matcher", "timeout_sec"), constants.DefaultMatchTimeoutSec)

	v.SetDefault(key("provider", "fast_path_marketplace"), constants.DefaultFastPathMarketplace)
	v.SetDefault(key("provider", "insert_on_miss"), true)
	v.SetDefault(key("provider", "system_user"), constants.DefaultProviderSystemUser)

	v.SetDefault(key("telegram", "api_base_url"), constants.DefaultTelegramAPIBaseURL)
	v.SetDefault(key("telegram", "bot_token"), "")
	v.SetDefault(key("telegram", "default_chat_ids"), []string{})
	v.SetDefault(key("telegram", "timeout_sec"), constants.DefaultTelegramTimeoutSec)
	v.SetDefault(key("telegram", "max_attempts"), constants.DefaultTelegramMaxAttempts)
	v.SetDefault(key("telegram", "backoff_ms"), constants.DefaultTelegramBackoffMs)
	v.SetDefault(key("telegram", "rate_per_second"), constants.DefaultTelegramRatePerSecond)
	v.SetDefault(key("telegram", "breaker_max_failures"), constants.DefaultBreakerMaxFailures)
	v.SetDefault(key("telegram", "breaker_timeout_sec"), constants.DefaultBreakerTimeoutSec)

	v.SetDefault(key("relay", "workers"), constants.DefaultRelayWorkers)
	v.SetDefault(key("relay", "queue_size"), constants.DefaultRelayQueueSize)

	v.SetDefault(key("release", "storage_dir"), constants.DefaultReleaseStorageDir)
	v.SetDefault(key("release", "file_name_pattern"), constants.DefaultReleaseFileNamePattern)
	v.SetDefault(key("release", "chunk_size_kb"), constants.DefaultReleaseChunkSizeKB)

	v.SetDefault(key("tracing", "service_name"), "smsrelay")
	v.SetDefault(key("tracing", "service_version"), "")
	v.SetDefault(key("tracing", "environment"), "development")
	v.SetDefault(key("tracing", "otlp_endpoint"), "")
	v.SetDefault(key("tracing", "sample_rate"), 1.0)
	v.SetDefault(key("tracing", "enabled"), false)
	v.SetDefault(key("tracing", "use_stdout"), false)
}

func validate(c *models.Config) error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidPort
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return ErrMissingDSN
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns && c.Database.MaxOpenConns > 0 {
		return models.ConfigError{Message: fmt.Sprintf("max_idle_conns (%d) exceeds max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)}
	}
	if c.Database.RetryAttempts < 1 {
		return models.ConfigError{Message: "database retry_attempts must be at least 1"}
	}

	if c.Matcher.WindowBeforeSec <= 0 || c.Matcher.WindowAfterSec < 0 {
		return ErrInvalidWindow
	}
	if c.Matcher.NoMatchAttempts < 1 {
		return models.ConfigError{Message: "matcher no_match_attempts must be at least 1"}
	}
	if c.Matcher.ReferenceUTCOffsetHours < -12 || c.Matcher.ReferenceUTCOffsetHours > 14 {
		return ErrInvalidOffset
	}
	if len(c.Matcher.DefaultMarketplaces) == 0 {
		c.Matcher.DefaultMarketplaces = append([]string(nil), constants.DefaultMarketplaces...)
	}

	if len(c.Senders) == 0 {
		c.Senders = make(map[string]string, len(constants.DefaultSenders))
		for name, tag := range constants.DefaultSenders {
			c.Senders[name] = tag
		}
	}
	for name, tag := range c.Senders {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(tag) == "" {
			return models.ConfigError{Message: fmt.Sprintf("sender mapping %q -> %q must not be empty", name, tag)}
		}
	}

	if c.Telegram.MaxAttempts < 1 {
		return models.ConfigError{Message: "telegram max_attempts must be at least 1"}
	}
	if c.Telegram.RatePerSecond <= 0 {
		return models.ConfigError{Message: "telegram rate_per_second must be positive"}
	}
	if c.Relay.Workers < 1 || c.Relay.QueueSize < 1 {
		return models.ConfigError{Message: "relay workers and queue_size must be at least 1"}
	}

	if strings.TrimSpace(c.Release.StorageDir) == "" {
		return ErrMissingReleaseDir
	}
	if !strings.Contains(c.Release.FileNamePattern, "%s") {
		return models.ConfigError{Message: "release file_name_pattern must contain %s for the version"}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}
	return nil
}

// validateSecurity enforces production-only requirements
func validateSecurity(c *models.Config) error {
	if os.Getenv(EnvPrefix+"_ENV") != "production" {
		if len(c.Server.AllowedIPs) == 0 {
			fmt.Fprintf(os.Stderr, "WARNING: server.allowed_ips is empty, every client is accepted.\n")
		}
		if c.Telegram.BotToken == "" {
			fmt.Fprintf(os.Stderr, "WARNING: telegram bot token not set (%s_TELEGRAM_BOT_TOKEN), alerts will fail.\n", EnvPrefix)
		}
		return nil
	}

	var errs []error
	if len(c.Server.AllowedIPs) == 0 {
		errs = append(errs, models.ConfigError{Message: "server.allowed_ips is required in production"})
	}
	if c.Telegram.BotToken == "" {
		errs = append(errs, models.ConfigError{Message: fmt.Sprintf("telegram bot token is required in production (set %s_TELEGRAM_BOT_TOKEN)", EnvPrefix)})
	}
	if c.LogLevel == "debug" {
		errs = append(errs, models.ConfigError{Message: "debug logging should not be used in production (phone numbers are logged unmasked)"})
	}
	return errors.Join(errs...)
}
