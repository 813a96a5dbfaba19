package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 10s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	RegionsFile string // yaml or toml file with region definitions

	// Health
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	MaxConsecutiveFailures int

	// Routing
	RouteCacheTTL time.Duration
	GeoProviders  []string // ordered provider names, ex: "ip-api,ipapi.co"
	GeoTimeout    time.Duration
	RedisAddr     string // optional, enables the shared route cache
	RedisPassword string
	RedisDB       int

	// Migration
	MigrationTimeout     time.Duration
	MigrationRetries     int
	MigrationConcurrency int
	SessionSweepInterval time.Duration

	// Snapshots and browser runtime
	SnapshotBackend string // "fs" | "s3"
	SnapshotDir     string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
	DockerEnabled   bool
	ProfileDir      string

	// Event forwarding
	KafkaBrokers []string
	KafkaTopic   string

	// API rate limit per client
	RateLimitPerHour int
	RateLimitBurst   int
}

// Load reads the optional .env file then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		d, err := millisOrDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	num := func(key string, def int) int {
		n, err := getenvInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}

	cfg := &Config{
		ListenAddr:      getenv("LISTEN_ADDR", ":8080"),
		ShutdownTimeout: dur("SHUTDOWN_TIMEOUT", 10*time.Second),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		PrettyLog: getenvBool("PRETTY_LOG", false),

		RegionsFile: getenv("REGIONS_FILE", "regions.yaml"),

		HealthCheckInterval:    dur("HEALTH_CHECK_INTERVAL", 30*time.Second),
		HealthCheckTimeout:     dur("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		MaxConsecutiveFailures: num("MAX_CONSECUTIVE_FAILURES", 3),

		RouteCacheTTL: dur("ROUTE_CACHE_TTL", 5*time.Minute),
		GeoProviders:  splitAndTrim(getenv("GEO_PROVIDERS", "ip-api,ipapi.co")),
		GeoTimeout:    dur("GEO_TIMEOUT", 10*time.Second),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       num("REDIS_DB", 0),

		MigrationTimeout:     dur("MIGRATION_TIMEOUT", 30*time.Second),
		MigrationRetries:     num("MIGRATION_RETRIES", 3),
		MigrationConcurrency: num("MIGRATION_CONCURRENCY", 4),
		SessionSweepInterval: dur("SESSION_SWEEP_INTERVAL", time.Minute),

		SnapshotBackend: getenv("SNAPSHOT_BACKEND", "fs"),
		SnapshotDir:     getenv("SNAPSHOT_DIR", "./storage/snapshots"),
		S3Bucket:        getenv("S3_BUCKET", ""),
		S3Region:        getenv("S3_REGION", ""),
		S3Endpoint:      getenv("S3_ENDPOINT", ""),
		S3PathStyle:     getenvBool("S3_PATH_STYLE", false),
		DockerEnabled:   getenvBool("DOCKER_ENABLED", false),
		ProfileDir:      getenv("PROFILE_DIR", os.TempDir()),

		KafkaBrokers: splitAndTrim(getenv("KAFKA_BROKERS", "")),
		KafkaTopic:   getenv("KAFKA_TOPIC", "fleet-events"),

		RateLimitPerHour: num("RATE_LIMIT_PER_HOUR", 3600),
		RateLimitBurst:   num("RATE_LIMIT_BURST", 60),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be > 0, got %v", c.HealthCheckInterval)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("HEALTH_CHECK_TIMEOUT must be > 0, got %v", c.HealthCheckTimeout)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("MAX_CONSECUTIVE_FAILURES must be >= 1, got %d", c.MaxConsecutiveFailures)
	}
	if c.MigrationRetries < 0 {
		return fmt.Errorf("MIGRATION_RETRIES must be >= 0, got %d", c.MigrationRetries)
	}
	if c.MigrationConcurrency < 1 {
		return fmt.Errorf("MIGRATION_CONCURRENCY must be >= 1, got %d", c.MigrationConcurrency)
	}
	switch c.SnapshotBackend {
	case "fs":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when SNAPSHOT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}
	return nil
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid integer value for %s: %s", key, v)
	}
	return i, nil
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// millisOrDuration accepts plain integers as milliseconds ("30000") or Go durations ("30s").
func millisOrDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for %s: %s", key, v)
	}
	return d, nil
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
