package config

// Config is loaded via github.com/kelseyhightower/envconfig. It carries
// only the options the task execution core itself consumes; secrets, HTTP
// surfaces and concrete service credentials belong to the collaborators
// that embed this module, not to the core.
type Config struct {
	// BrokerURL points at the Redis instance backing the fast_tasks /
	// heavy_tasks streams. Empty means "use the in-memory broker", which
	// is the default for local development and tests.
	BrokerURL string `env:"BROKER_URL"`

	FastConcurrency  int `env:"FAST_CONCURRENCY,default=8"`
	HeavyConcurrency int `env:"HEAVY_CONCURRENCY,default=2"`

	SoftTimeLimitSec int `env:"SOFT_TIME_LIMIT_SEC,default=300"`
	HardTimeLimitSec int `env:"HARD_TIME_LIMIT_SEC,default=360"`

	ConfirmationTimeoutSec int `env:"CONFIRMATION_TIMEOUT_SEC,default=300"`

	PingIntervalSec int `env:"PING_INTERVAL_SEC,default=30"`
	PingTimeoutSec  int `env:"PING_TIMEOUT_SEC,default=10"`
	MaxConnections  int `env:"MAX_CONNECTIONS,default=10000"`

	MaxRetries     int     `env:"MAX_RETRIES,default=3"`
	BackoffFactor  float64 `env:"BACKOFF_FACTOR,default=2.0"`
	BackoffCapSec  int     `env:"BACKOFF_CAP_SEC,default=30"`
	BackoffBaseSec int     `env:"BACKOFF_BASE_SEC,default=1"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`

	// DatabaseURL backs the Postgres result persister. Empty falls back
	// to the no-op persister.
	DatabaseURL string `env:"DATABASE_URL"`

	Port string `env:"PORT,default=8080"`

	// RequeueIntervalSec / HeartbeatTTLSec govern the stale-step recovery
	// sweep that reclaims work left in-flight by a dead worker.
	RequeueIntervalSec int `env:"REQUEUE_INTERVAL_SEC,default=30"`
	HeartbeatTTLSec    int `env:"HEARTBEAT_TTL_SEC,default=90"`
}
