package constants

// Default server configuration values
const (
	DefaultServerPort            = 8080
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 60
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
)

// Default database pool and retry values
const (
	DefaultDatabaseDSN                = "smsrelay.db"
	DefaultDatabaseMaxOpenConns       = 15
	DefaultDatabaseMaxIdleConns       = 10
	DefaultDatabaseConnMaxLifetimeSec = 600
	DefaultDatabaseConnMaxIdleTimeSec = 300
	DefaultDatabaseConnectTimeoutSec  = 10
	DefaultDatabaseRetryAttempts      = 3
	DefaultDatabaseRetryDelayMs       = 2000
	DefaultDatabaseStartupAttempts    = 5
	DefaultBackoffInitialMs           = 500
	DefaultBackoffMaxSec              = 5
	DefaultConfigPollIntervalSec      = 5
	DefaultSQLiteBusyTimeoutMs        = 5000
)

// Default correlation values
const (
	DefaultMatchWindowBeforeSec   = 120
	DefaultMatchWindowAfterSec    = 5
	DefaultNoMatchAttempts        = 3
	DefaultNoMatchDelayMs         = 1000
	DefaultMatchTimeoutSec        = 30
	DefaultReferenceUTCOffsetHour = 3
	DefaultProviderSystemUser     = "mts"
	DefaultFastPathMarketplace    = "WB"
)

// DefaultMarketplaces is the candidate set used when the sender cannot be
// mapped to a marketplace.
var DefaultMarketplaces = []string{"Ozon", "Yandex"}

// DefaultSenders maps sender display names to marketplace tags.
var DefaultSenders = map[string]string{
	"Wildberries": "WB",
	"OZON.ru":     "Ozon",
	"Yandex":      "Yandex",
}

// Default chat alert values
const (
	DefaultTelegramAPIBaseURL    = "https://api.telegram.org"
	DefaultTelegramTimeoutSec    = 10
	DefaultTelegramMaxAttempts   = 3
	DefaultTelegramBackoffMs     = 1000
	DefaultTelegramRatePerSecond = 25.0
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerTimeoutSec     = 60
	DefaultRelayWorkers          = 4
	DefaultRelayQueueSize        = 256
)

// Default release download values
const (
	DefaultReleaseStorageDir      = "releases"
	DefaultReleaseFileNamePattern = "app_%s.zip"
	DefaultReleaseChunkSizeKB     = 64
)
