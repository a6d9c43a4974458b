package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Remote store driver names.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Remote   RemoteConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Mirror   MirrorConfig
	Replay   ReplayConfig
	Feed     FeedConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Snapshot SnapshotConfig
	Jobs     JobsConfig
	Metrics  MetricsConfig
}

// RemoteConfig selects the remote document store driver.
type RemoteConfig struct {
	Driver string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// MirrorConfig tunes the durable on-disk mirror of the entity store.
type MirrorConfig struct {
	Dir      string
	Debounce time.Duration
	MaxBytes int64
}

// ReplayConfig tunes the offline queue drain loop.
type ReplayConfig struct {
	ProbeInterval time.Duration
	BackoffMax    time.Duration
}

// FeedConfig tunes change feed resubscription.
type FeedConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SnapshotConfig governs on-demand mirror snapshots and their signed URLs.
type SnapshotConfig struct {
	Enabled         bool
	Dir             string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// JobsConfig tunes the in-process maintenance job queue.
type JobsConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Remote = RemoteConfig{Driver: strings.ToLower(v.GetString("REMOTE_DRIVER"))}

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Mirror = MirrorConfig{
		Dir:      v.GetString("MIRROR_DIR"),
		Debounce: parseDuration(v.GetString("MIRROR_DEBOUNCE"), 300*time.Millisecond),
		MaxBytes: v.GetInt64("MIRROR_MAX_BYTES"),
	}

	cfg.Replay = ReplayConfig{
		ProbeInterval: parseDuration(v.GetString("REPLAY_PROBE_INTERVAL"), 2*time.Second),
		BackoffMax:    parseDuration(v.GetString("REPLAY_BACKOFF_MAX"), time.Minute),
	}

	cfg.Feed = FeedConfig{
		BackoffInitial: parseDuration(v.GetString("FEED_BACKOFF_INITIAL"), time.Second),
		BackoffMax:     parseDuration(v.GetString("FEED_BACKOFF_MAX"), time.Minute),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Snapshot = SnapshotConfig{
		Enabled:         v.GetBool("ENABLE_SNAPSHOTS"),
		Dir:             v.GetString("SNAPSHOT_DIR"),
		SignedURLSecret: v.GetString("SNAPSHOT_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("SNAPSHOT_SIGNED_URL_TTL"), 30*time.Minute),
		CleanupInterval: parseDuration(v.GetString("SNAPSHOT_CLEANUP_INTERVAL"), time.Hour),
		MaxAge:          parseDuration(v.GetString("SNAPSHOT_MAX_AGE"), 24*time.Hour),
	}

	cfg.Jobs = JobsConfig{
		Workers:    v.GetInt("JOBS_WORKER_CONCURRENCY"),
		BufferSize: v.GetInt("JOBS_BUFFER_SIZE"),
		MaxRetries: v.GetInt("JOBS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("JOBS_RETRY_DELAY"), 5*time.Second),
	}

	cfg.Metrics = MetricsConfig{Enabled: v.GetBool("ENABLE_METRICS")}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("REMOTE_DRIVER", DriverPostgres)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "rostersync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("MIRROR_DIR", "./mirror")
	v.SetDefault("MIRROR_DEBOUNCE", "300ms")
	v.SetDefault("MIRROR_MAX_BYTES", 0)

	v.SetDefault("REPLAY_PROBE_INTERVAL", "2s")
	v.SetDefault("REPLAY_BACKOFF_MAX", "1m")

	v.SetDefault("FEED_BACKOFF_INITIAL", "1s")
	v.SetDefault("FEED_BACKOFF_MAX", "1m")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_SNAPSHOTS", false)
	v.SetDefault("SNAPSHOT_DIR", "./snapshots")
	v.SetDefault("SNAPSHOT_SIGNED_URL_SECRET", "dev_snapshot_secret")
	v.SetDefault("SNAPSHOT_SIGNED_URL_TTL", "30m")
	v.SetDefault("SNAPSHOT_CLEANUP_INTERVAL", "1h")
	v.SetDefault("SNAPSHOT_MAX_AGE", "24h")

	v.SetDefault("JOBS_WORKER_CONCURRENCY", 2)
	v.SetDefault("JOBS_BUFFER_SIZE", 16)
	v.SetDefault("JOBS_MAX_RETRIES", 3)
	v.SetDefault("JOBS_RETRY_DELAY", "5s")

	v.SetDefault("ENABLE_METRICS", true)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
