package models

// Config holds the application configuration
type Config struct {
	Server   ServerConfig      `json:"server" mapstructure:"server"`
	Database DatabaseConfig    `json:"database" mapstructure:"database"`
	Matcher  MatcherConfig     `json:"matcher" mapstructure:"matcher"`
	Provider ProviderConfig    `json:"provider" mapstructure:"provider"`
	Telegram TelegramConfig    `json:"telegram" mapstructure:"telegram"`
	Relay    RelayConfig       `json:"relay" mapstructure:"relay"`
	Release  ReleaseConfig     `json:"release" mapstructure:"release"`
	Tracing  TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Senders  map[string]string `json:"senders" mapstructure:"senders"` // sender display name -> marketplace tag
	LogLevel string            `json:"log_level" mapstructure:"log_level"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port              int      `json:"port" mapstructure:"port"`
	AllowedIPs        []string `json:"allowed_ips" mapstructure:"allowed_ips"`
	TrustProxyHeaders bool     `json:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
	ReadTimeoutSec    int      `json:"read_timeout_sec" mapstructure:"read_timeout_sec"`
	WriteTimeoutSec   int      `json:"write_timeout_sec" mapstructure:"write_timeout_sec"`
	IdleTimeoutSec    int      `json:"idle_timeout_sec" mapstructure:"idle_timeout_sec"`
}

// DatabaseConfig holds the persistence gateway settings.
// A DSN starting with postgres:// or postgresql:// selects PostgreSQL,
// anything else is treated as a SQLite file path.
type DatabaseConfig struct {
	DSN                string `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec" mapstructure:"conn_max_lifetime_sec"`
	ConnMaxIdleTimeSec int    `json:"conn_max_idle_time_sec" mapstructure:"conn_max_idle_time_sec"`
	ConnectTimeoutSec  int    `json:"connect_timeout_sec" mapstructure:"connect_timeout_sec"`
	RetryAttempts      int    `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelayMs       int    `json:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	AutoMigrate        bool   `json:"auto_migrate" mapstructure:"auto_migrate"`
}

// MatcherConfig holds correlation window and retry policy
type MatcherConfig struct {
	WindowBeforeSec         int      `json:"window_before_sec" mapstructure:"window_before_sec"`
	WindowAfterSec          int      `json:"window_after_sec" mapstructure:"window_after_sec"`
	NoMatchAttempts         int      `json:"no_match_attempts" mapstructure:"no_match_attempts"`
	NoMatchDelayMs          int      `json:"no_match_delay_ms" mapstructure:"no_match_delay_ms"`
	DefaultMarketplaces     []string `json:"default_marketplaces" mapstructure:"default_marketplaces"`
	RejectUnknownSenders    bool     `json:"reject_unknown_senders" mapstructure:"reject_unknown_senders"`
	ReferenceUTCOffsetHours int      `json:"reference_utc_offset_hours" mapstructure:"reference_utc_offset_hours"`
	TimeoutSec              int      `json:"timeout_sec" mapstructure:"timeout_sec"`
}

// ProviderConfig holds the provider webhook (/mts) fast path settings
type ProviderConfig struct {
	FastPathMarketplace string `json:"fast_path_marketplace" mapstructure:"fast_path_marketplace"`
	InsertOnMiss        bool   `json:"insert_on_miss" mapstructure:"insert_on_miss"`
	SystemUser          string `json:"system_user" mapstructure:"system_user"`
}

// TelegramConfig holds the chat alert API settings
type TelegramConfig struct {
	APIBaseURL         string   `json:"api_base_url" mapstructure:"api_base_url"`
	BotToken           string   `json:"bot_token" mapstructure:"bot_token"`
	DefaultChatIDs     []string `json:"default_chat_ids" mapstructure:"default_chat_ids"`
	TimeoutSec         int      `json:"timeout_sec" mapstructure:"timeout_sec"`
	MaxAttempts        int      `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs          int      `json:"backoff_ms" mapstructure:"backoff_ms"`
	RatePerSecond      float64  `json:"rate_per_second" mapstructure:"rate_per_second"`
	BreakerMaxFailures int      `json:"breaker_max_failures" mapstructure:"breaker_max_failures"`
	BreakerTimeoutSec  int      `json:"breaker_timeout_sec" mapstructure:"breaker_timeout_sec"`
}

// RelayConfig sizes the alert worker pool
type RelayConfig struct {
	Workers   int `json:"workers" mapstructure:"workers"`
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// ReleaseConfig locates downloadable application archives
type ReleaseConfig struct {
	StorageDir      string `json:"storage_dir" mapstructure:"storage_dir"`
	FileNamePattern string `json:"file_name_pattern" mapstructure:"file_name_pattern"`
	ChunkSizeKB     int    `json:"chunk_size_kb" mapstructure:"chunk_size_kb"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	ServiceName    string  `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `json:"service_version" mapstructure:"service_version"`
	Environment    string  `json:"environment" mapstructure:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample_rate"`
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	UseStdout      bool    `json:"use_stdout" mapstructure:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
