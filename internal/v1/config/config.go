package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret          string
	LaravelAPIURL      string
	LaravelInternalKey string

	// Server
	Port  string
	GoEnv string

	// Auth
	JWTMaxAge time.Duration

	// Business backend
	LaravelTimeout time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// Media engine
	MediasoupWorkerBin   string
	MediasoupNumWorkers  int
	MediasoupListenIP    string
	MediasoupAnnouncedIP string
	MediasoupRTCMinPort  int
	MediasoupRTCMaxPort  int

	// Room / media tuning
	MaxActiveSpeakers     int
	MaxListenersPerRouter int
	DefaultSeatCount      int
	InviteExpiry          time.Duration
	RoomInactivity        time.Duration
	RoomSweepInterval     time.Duration

	// Event relay
	EventsChannel        string
	EventsEnabled        bool
	RelayBackpressureMax int

	// Gift buffer
	GiftFlushInterval time.Duration
	GiftMaxRetries    int

	// Rate limits (Defaults: M = Minute, H = Hour)
	RateLimitWsIP string
	RateLimitGift string

	// CORS
	AllowedOrigins string

	// Tracing (optional)
	OTLPEndpoint string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: LARAVEL_API_URL (http/https base URL)
	cfg.LaravelAPIURL = strings.TrimRight(os.Getenv("LARAVEL_API_URL"), "/")
	if cfg.LaravelAPIURL == "" {
		errors = append(errors, "LARAVEL_API_URL is required")
	} else if u, err := url.Parse(cfg.LaravelAPIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("LARAVEL_API_URL must be an http(s) URL (got '%s')", cfg.LaravelAPIURL))
	}

	// Required: LARAVEL_INTERNAL_KEY
	cfg.LaravelInternalKey = os.Getenv("LARAVEL_INTERNAL_KEY")
	if cfg.LaravelInternalKey == "" {
		errors = append(errors, "LARAVEL_INTERNAL_KEY is required")
	}

	// Optional: PORT (defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	cfg.JWTMaxAge = time.Duration(getEnvInt("JWT_MAX_AGE_SECONDS", 86400, &errors)) * time.Second
	cfg.LaravelTimeout = time.Duration(getEnvInt("LARAVEL_API_TIMEOUT_MS", 10000, &errors)) * time.Millisecond

	// Redis connectivity
	cfg.RedisHost = getEnvOrDefault("REDIS_HOST", "localhost")
	cfg.RedisPort = getEnvOrDefault("REDIS_PORT", "6379")
	if port, err := strconv.Atoi(cfg.RedisPort); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("REDIS_PORT must be a valid port number (got '%s')", cfg.RedisPort))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0, &errors)
	cfg.RedisTLS = os.Getenv("REDIS_TLS") == "true"

	// Media engine
	cfg.MediasoupWorkerBin = getEnvOrDefault("MEDIASOUP_WORKER_BIN", "mediasoup-worker")
	cfg.MediasoupNumWorkers = getEnvInt("MEDIASOUP_NUM_WORKERS", runtime.NumCPU(), &errors)
	if cfg.MediasoupNumWorkers < 1 {
		errors = append(errors, fmt.Sprintf("MEDIASOUP_NUM_WORKERS must be at least 1 (got %d)", cfg.MediasoupNumWorkers))
	}
	cfg.MediasoupListenIP = getEnvOrDefault("MEDIASOUP_LISTEN_IP", "0.0.0.0")
	cfg.MediasoupAnnouncedIP = os.Getenv("MEDIASOUP_ANNOUNCED_IP")
	cfg.MediasoupRTCMinPort = getEnvInt("MEDIASOUP_RTC_MIN_PORT", 40000, &errors)
	cfg.MediasoupRTCMaxPort = getEnvInt("MEDIASOUP_RTC_MAX_PORT", 49999, &errors)
	if cfg.MediasoupRTCMinPort < 1 || cfg.MediasoupRTCMaxPort > 65535 || cfg.MediasoupRTCMinPort >= cfg.MediasoupRTCMaxPort {
		errors = append(errors, fmt.Sprintf("MEDIASOUP_RTC_MIN_PORT/MAX_PORT must satisfy 1 <= min < max <= 65535 (got %d..%d)",
			cfg.MediasoupRTCMinPort, cfg.MediasoupRTCMaxPort))
	}

	// Room / media tuning
	cfg.MaxActiveSpeakers = getEnvInt("MAX_ACTIVE_SPEAKERS_FORWARDED", 3, &errors)
	if cfg.MaxActiveSpeakers < 1 {
		errors = append(errors, fmt.Sprintf("MAX_ACTIVE_SPEAKERS_FORWARDED must be at least 1 (got %d)", cfg.MaxActiveSpeakers))
	}
	cfg.MaxListenersPerRouter = getEnvInt("MAX_LISTENERS_PER_DISTRIBUTION_ROUTER", 100, &errors)
	if cfg.MaxListenersPerRouter < 1 {
		errors = append(errors, fmt.Sprintf("MAX_LISTENERS_PER_DISTRIBUTION_ROUTER must be at least 1 (got %d)", cfg.MaxListenersPerRouter))
	}
	cfg.DefaultSeatCount = getEnvInt("DEFAULT_SEAT_COUNT", 15, &errors)
	if cfg.DefaultSeatCount < 1 || cfg.DefaultSeatCount > 100 {
		errors = append(errors, fmt.Sprintf("DEFAULT_SEAT_COUNT must be between 1 and 100 (got %d)", cfg.DefaultSeatCount))
	}
	cfg.InviteExpiry = time.Duration(getEnvInt("INVITE_EXPIRY_SECONDS", 30, &errors)) * time.Second
	cfg.RoomInactivity = time.Duration(getEnvInt("ROOM_INACTIVITY_THRESHOLD_MS", 300000, &errors)) * time.Millisecond
	cfg.RoomSweepInterval = time.Duration(getEnvInt("ROOM_SWEEP_INTERVAL_MS", 60000, &errors)) * time.Millisecond

	// Event relay
	cfg.EventsChannel = getEnvOrDefault("MSAB_EVENTS_CHANNEL", "flylive:msab:events")
	cfg.EventsEnabled = getEnvOrDefault("MSAB_EVENTS_ENABLED", "true") == "true"
	cfg.RelayBackpressureMax = getEnvInt("RELAY_BACKPRESSURE_WARN", 100, &errors)

	// Gift buffer
	cfg.GiftFlushInterval = time.Duration(getEnvInt("GIFT_BUFFER_FLUSH_INTERVAL_MS", 5000, &errors)) * time.Millisecond
	cfg.GiftMaxRetries = getEnvInt("GIFT_MAX_RETRIES", 3, &errors)
	if cfg.GiftMaxRetries < 1 {
		errors = append(errors, fmt.Sprintf("GIFT_MAX_RETRIES must be at least 1 (got %d)", cfg.GiftMaxRetries))
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("WS_CONNECT_RATE", "60-M")
	cfg.RateLimitGift = getEnvOrDefault("GIFT_RATE", "330-M")

	cfg.AllowedOrigins = os.Getenv("CORS_ORIGINS")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// RedisAddr returns the host:port pair for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"laravel_api_url", cfg.LaravelAPIURL,
		"laravel_internal_key", redactSecret(cfg.LaravelInternalKey),
		"redis_addr", cfg.RedisAddr(),
		"redis_tls", cfg.RedisTLS,
		"mediasoup_workers", cfg.MediasoupNumWorkers,
		"max_active_speakers", cfg.MaxActiveSpeakers,
		"max_listeners_per_router", cfg.MaxListenersPerRouter,
		"default_seat_count", cfg.DefaultSeatCount,
		"events_channel", cfg.EventsChannel,
		"events_enabled", cfg.EventsEnabled,
		"gift_flush_interval", cfg.GiftFlushInterval,
		"gift_rate", cfg.RateLimitGift,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, recording a validation
// error when the value is present but not a number.
func getEnvInt(key string, defaultValue int, errors *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errors = append(*errors, fmt.Sprintf("%s must be an integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
