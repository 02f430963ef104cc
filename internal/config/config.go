package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "WEBDROP_LISTEN_ADDR"
	envVarMode            = "WEBDROP_MODE"
	envVarLogFormat       = "WEBDROP_LOG_FORMAT"
	envVarLogLevel        = "WEBDROP_LOG_LEVEL"
	envVarShutdownTimeout = "WEBDROP_SHUTDOWN_TIMEOUT"

	// Room lifecycle knobs.
	envVarRoomTTL       = "WEBDROP_ROOM_TTL"
	envVarSweepInterval = "WEBDROP_SWEEP_INTERVAL"

	// Signaling hardening knobs.
	envVarMaxMessageBytes     = "WEBDROP_MAX_MESSAGE_BYTES"
	envVarRateLimitCapacity   = "WEBDROP_RATE_LIMIT_CAPACITY"
	envVarRateLimitRefillRate = "WEBDROP_RATE_LIMIT_REFILL_PER_SEC"
	envVarAllowedOrigins      = "WEBDROP_ALLOWED_ORIGINS"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultRoomTTL       = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	DefaultMaxMessageBytes = int64(64 * 1024)
	// Up to ~30 ops burst, ~3 ops/sec sustained per source.
	DefaultRateLimitCapacity   = 30
	DefaultRateLimitRefillRate = 3

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	RoomTTL       time.Duration
	SweepInterval time.Duration

	MaxMessageBytes     int64
	RateLimitCapacity   int
	RateLimitRefillRate int

	// AllowedOrigins restricts the WebSocket upgrade's Origin header. Empty
	// means any origin is accepted (dev / same-origin deployments behind a
	// reverse proxy).
	AllowedOrigins []string
}

// Load reads configuration from the process environment. All knobs are
// simple scalars with defaults; the only hard failures are unparseable
// values.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))
	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormatStr := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode))
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	logLevelStr := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode))
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	roomTTL, err := envDurationOrDefault(lookup, envVarRoomTTL, DefaultRoomTTL)
	if err != nil {
		return Config{}, err
	}
	if roomTTL <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarRoomTTL)
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarSweepInterval)
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxMessageBytes)
	}
	rateLimitCapacity, err := envIntOrDefault(lookup, envVarRateLimitCapacity, DefaultRateLimitCapacity)
	if err != nil {
		return Config{}, err
	}
	rateLimitRefillRate, err := envIntOrDefault(lookup, envVarRateLimitRefillRate, DefaultRateLimitRefillRate)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		RoomTTL:       roomTTL,
		SweepInterval: sweepInterval,

		MaxMessageBytes:     int64(maxMessageBytes),
		RateLimitCapacity:   rateLimitCapacity,
		RateLimitRefillRate: rateLimitRefillRate,

		AllowedOrigins: parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, "")),
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseAllowedOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if o := strings.TrimSpace(part); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected dev or prod)", envVarMode, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected text or json)", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid %s %q (expected debug, info, warn, error)", envVarLogLevel, raw)
	}
}
