package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "agentexec.db"
	defaultRedisChannel   = "agentexec.events"
	defaultPublishTimeout = 2 * time.Second
	defaultMaxSteps       = 1000
	defaultDrainTimeout   = 10 * time.Second

	envListenAddr     = "AGENTEXEC_LISTEN_ADDR"
	envDBPath         = "AGENTEXEC_DB_PATH"
	envLogLevel       = "AGENTEXEC_LOG_LEVEL"
	envRedisAddr      = "AGENTEXEC_REDIS_ADDR"
	envRedisChannel   = "AGENTEXEC_REDIS_CHANNEL"
	envPublishTimeout = "AGENTEXEC_PUBLISH_TIMEOUT"
	envMaxWorkers     = "AGENTEXEC_MAX_WORKERS"
	envMaxSteps       = "AGENTEXEC_MAX_STEPS"
	envCapabilityURL  = "AGENTEXEC_CAPABILITY_URL"
	envDrainTimeout   = "AGENTEXEC_DRAIN_TIMEOUT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// RedisAddr enables publishing events to Redis when set.
	RedisAddr    string
	RedisChannel string

	PublishTimeout time.Duration

	// MaxWorkers caps concurrently running executions; 0 means unlimited.
	MaxWorkers    int
	MaxSteps      int
	CapabilityURL string
	DrainTimeout  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Unparsable numeric or duration values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		RedisChannel:   defaultRedisChannel,
		PublishTimeout: defaultPublishTimeout,
		MaxSteps:       defaultMaxSteps,
		DrainTimeout:   defaultDrainTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.RedisAddr = os.Getenv(envRedisAddr)
	if v := os.Getenv(envRedisChannel); v != "" {
		cfg.RedisChannel = v
	}
	cfg.PublishTimeout = durationEnv(envPublishTimeout, cfg.PublishTimeout)
	cfg.MaxWorkers = intEnv(envMaxWorkers, 0)
	cfg.MaxSteps = intEnv(envMaxSteps, cfg.MaxSteps)
	cfg.CapabilityURL = os.Getenv(envCapabilityURL)
	cfg.DrainTimeout = durationEnv(envDrainTimeout, cfg.DrainTimeout)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
