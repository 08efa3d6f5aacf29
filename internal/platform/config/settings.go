package config

import "time"

// Settings is the process configuration of the relay server.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	// PublicBaseURL prefixes playback URLs handed to subscribers.
	PublicBaseURL string
	// OutputRoot receives playlists and segments; it is served by an external
	// file server.
	OutputRoot     string
	DiagnosticsDir string
	FFmpegBin      string

	DrainInterval     time.Duration
	DrainBatch        int
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	KillTimeout       time.Duration

	MaxRetries          int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	WSRequestsPerSecond float64
	WSBurst             int

	// RedisAddr enables the Redis diagnostics sink when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// FromEnv reads Settings from the environment, applying defaults for unset
// or unparsable values.
func FromEnv() Settings {
	return Settings{
		Port:      GetEnv("PORT", "3000"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		PublicBaseURL:  GetEnv("PUBLIC_BASE_URL", "http://localhost:8500"),
		OutputRoot:     GetEnv("OUTPUT_ROOT", "./public"),
		DiagnosticsDir: GetEnv("DIAGNOSTICS_DIR", "./errorLog"),
		FFmpegBin:      GetEnv("FFMPEG_BIN", "ffmpeg"),

		DrainInterval:     GetEnvDuration("DRAIN_INTERVAL", 2*time.Second),
		DrainBatch:        GetEnvInt("DRAIN_BATCH", 1),
		ReadyPollInterval: GetEnvDuration("READY_POLL_INTERVAL", time.Second),
		ReadyTimeout:      GetEnvDuration("READY_TIMEOUT", time.Minute),
		KillTimeout:       GetEnvDuration("KILL_TIMEOUT", 5*time.Second),

		MaxRetries:          GetEnvInt("MAX_RETRIES", 5),
		RetryInitialBackoff: GetEnvDuration("RETRY_INITIAL_BACKOFF", 2*time.Second),
		RetryMaxBackoff:     GetEnvDuration("RETRY_MAX_BACKOFF", time.Minute),

		WSRequestsPerSecond: GetEnvFloat("WS_REQUESTS_PER_SECOND", 1),
		WSBurst:             GetEnvInt("WS_BURST", 5),

		RedisAddr:     GetEnv("REDIS_ADDR", ""),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("REDIS_DB", 0),
		RedisTTL:      GetEnvDuration("REDIS_DIAGNOSTICS_TTL", 7*24*time.Hour),
	}
}
