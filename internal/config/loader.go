package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "auditrt.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AUDITRT_PORT")
	setString(&cfg.Server.CORSOrigin, "AUDITRT_CORS_ORIGIN")
	setString(&cfg.Logging.Level, "AUDITRT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AUDITRT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AUDITRT_LOG_ASYNC")

	// Executor
	setInt(&cfg.Executor.MaxParallel, "AUDITRT_MAX_PARALLEL")
	setDuration(&cfg.Executor.DefaultTimeout, "AUDITRT_TASK_TIMEOUT")
	setDuration(&cfg.Executor.RecheckInterval, "AUDITRT_RECHECK_INTERVAL")

	// Resilience
	setInt(&cfg.Retry.Model.MaxAttempts, "AUDITRT_RETRY_MODEL_ATTEMPTS")
	setDuration(&cfg.Retry.Model.BaseDelay, "AUDITRT_RETRY_MODEL_BASE_DELAY")
	setDuration(&cfg.Retry.Model.MaxDelay, "AUDITRT_RETRY_MODEL_MAX_DELAY")
	setInt(&cfg.Retry.Tool.MaxAttempts, "AUDITRT_RETRY_TOOL_ATTEMPTS")
	setDuration(&cfg.Retry.Tool.BaseDelay, "AUDITRT_RETRY_TOOL_BASE_DELAY")
	setDuration(&cfg.Retry.Tool.MaxDelay, "AUDITRT_RETRY_TOOL_MAX_DELAY")
	setInt(&cfg.Breakers.Model.FailureThreshold, "AUDITRT_BREAKER_MODEL_THRESHOLD")
	setDuration(&cfg.Breakers.Model.RecoveryTimeout, "AUDITRT_BREAKER_MODEL_RECOVERY")
	setInt(&cfg.Breakers.Tool.FailureThreshold, "AUDITRT_BREAKER_TOOL_THRESHOLD")
	setDuration(&cfg.Breakers.Tool.RecoveryTimeout, "AUDITRT_BREAKER_TOOL_RECOVERY")
	setFloat64(&cfg.Limiters.Model.Rate, "AUDITRT_LIMIT_MODEL_RATE")
	setFloat64(&cfg.Limiters.Model.Capacity, "AUDITRT_LIMIT_MODEL_CAPACITY")
	setFloat64(&cfg.Limiters.Tool.Rate, "AUDITRT_LIMIT_TOOL_RATE")
	setFloat64(&cfg.Limiters.Tool.Capacity, "AUDITRT_LIMIT_TOOL_CAPACITY")
	setFloat64(&cfg.Limiters.API.Rate, "AUDITRT_LIMIT_API_RATE")
	setFloat64(&cfg.Limiters.API.Capacity, "AUDITRT_LIMIT_API_CAPACITY")

	// Events
	setInt(&cfg.Events.BatchMaxSize, "AUDITRT_EVENTS_BATCH_SIZE")
	setDuration(&cfg.Events.BatchMaxWait, "AUDITRT_EVENTS_BATCH_WAIT")
	setDuration(&cfg.Events.ThrottleInterval, "AUDITRT_EVENTS_THROTTLE")
	setInt(&cfg.Events.CacheSize, "AUDITRT_EVENTS_CACHE_SIZE")
	setInt(&cfg.Events.DedupSize, "AUDITRT_EVENTS_DEDUP_SIZE")
	setInt(&cfg.Events.SubscriberBuffer, "AUDITRT_EVENTS_SUBSCRIBER_BUFFER")
	setInt(&cfg.Events.PersistQueue, "AUDITRT_EVENTS_PERSIST_QUEUE")
	setInt(&cfg.Events.PersistWorkers, "AUDITRT_EVENTS_PERSIST_WORKERS")
	setDuration(&cfg.Events.PersistTimeout, "AUDITRT_EVENTS_PERSIST_TIMEOUT")
	setDuration(&cfg.Events.HeartbeatInterval, "AUDITRT_EVENTS_HEARTBEAT")
	setDuration(&cfg.Events.SessionRetention, "AUDITRT_EVENTS_SESSION_RETENTION")
	setInt(&cfg.Events.RetiredSessions, "AUDITRT_EVENTS_RETIRED_SESSIONS")

	// Storage
	setString(&cfg.EventLog.Driver, "AUDITRT_EVENT_LOG")
	setString(&cfg.EventLog.SQLitePath, "AUDITRT_SQLITE_PATH")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AUDITRT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AUDITRT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AUDITRT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AUDITRT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AUDITRT_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AUDITRT_NATS_STREAM")
	setString(&cfg.NATS.SubjectPrefix, "AUDITRT_NATS_SUBJECT_PREFIX")
	setString(&cfg.NATS.KVBucket, "AUDITRT_NATS_KV_BUCKET")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AUDITRT_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L2TTL, "AUDITRT_CACHE_L2_TTL")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "AUDITRT_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AUDITRT_OTEL_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Executor.MaxParallel < 1 {
		return errors.New("executor.max_parallel must be >= 1")
	}
	if cfg.Breakers.Model.FailureThreshold < 1 || cfg.Breakers.Tool.FailureThreshold < 1 {
		return errors.New("breakers.failure_threshold must be >= 1")
	}
	for name, l := range map[string]LimiterClass{"model": cfg.Limiters.Model, "tool": cfg.Limiters.Tool, "api": cfg.Limiters.API} {
		if l.Rate <= 0 || l.Capacity <= 0 {
			return fmt.Errorf("limiters.%s: rate and capacity must be > 0", name)
		}
	}
	if cfg.Events.BatchMaxSize < 1 {
		return errors.New("events.batch_max_size must be >= 1")
	}
	if cfg.Events.SubscriberBuffer < 1 {
		return errors.New("events.subscriber_buffer must be >= 1")
	}
	if cfg.Events.SessionRetention < 0 {
		return errors.New("events.session_retention must not be negative")
	}
	switch cfg.EventLog.Driver {
	case "memory":
	case "sqlite":
		if cfg.EventLog.SQLitePath == "" {
			return errors.New("event_log.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres driver")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("event_log.driver %q is not supported", cfg.EventLog.Driver)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
