package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string

	LogLevel  string
	LogFormat string

	// PublicBaseURL is the externally reachable base URL handed to the
	// call provider as the status-callback target.
	PublicBaseURL string

	// CallbackSecret authenticates inbound callbacks from the call and
	// generation subsystems (X-Callback-Secret header).
	CallbackSecret string

	// EncryptionKey is the base64-encoded AES-256 key used for channel
	// addresses at rest and room join credentials.
	EncryptionKey string

	ChannelAPIURL    string
	ChannelAPISecret string
	ChannelStubMode  bool

	GenerationURL      string
	GenerationSecret   string
	GenerationStubMode bool

	// ApprovalPreemptsScheduling controls whether a pending approval
	// workflow takes priority over a pending scheduling reply when both
	// are active for the same address.
	ApprovalPreemptsScheduling bool

	ApprovalTTL     time.Duration
	RoomIdleTimeout time.Duration
	CallRingTimeout time.Duration

	RoomSweepSchedule     string
	ApprovalSweepSchedule string
	SessionSweepSchedule  string
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Env:  getEnvWithDefault("ENV", "development"),
		Port: getEnvWithDefault("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		PublicBaseURL:  getEnvWithDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
		CallbackSecret: os.Getenv("CALLBACK_SECRET"),
		EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),

		ChannelAPIURL:    os.Getenv("CHANNEL_API_URL"),
		ChannelAPISecret: os.Getenv("CHANNEL_API_SECRET"),
		ChannelStubMode:  getEnvBool("CHANNEL_STUB_MODE", true),

		GenerationURL:      os.Getenv("GENERATION_URL"),
		GenerationSecret:   os.Getenv("GENERATION_SECRET"),
		GenerationStubMode: getEnvBool("GENERATION_STUB_MODE", true),

		ApprovalPreemptsScheduling: getEnvBool("APPROVAL_PREEMPTS_SCHEDULING", true),

		ApprovalTTL:     getEnvDuration("APPROVAL_TTL", 24*time.Hour),
		RoomIdleTimeout: getEnvDuration("ROOM_IDLE_TIMEOUT", 10*time.Minute),
		CallRingTimeout: getEnvDuration("CALL_RING_TIMEOUT", 2*time.Minute),

		RoomSweepSchedule:     getEnvWithDefault("ROOM_SWEEP_SCHEDULE", "@every 5m"),
		ApprovalSweepSchedule: getEnvWithDefault("APPROVAL_SWEEP_SCHEDULE", "@every 10m"),
		SessionSweepSchedule:  getEnvWithDefault("SESSION_SWEEP_SCHEDULE", "@every 5m"),
	}

	// Warn if using default callback secret (insecure for production)
	if cfg.CallbackSecret == "" {
		cfg.CallbackSecret = "dev-secret-change-in-production-use-openssl-rand-hex-32"
		log.Println("WARNING: Using default CALLBACK_SECRET. Generate a secure secret with: openssl rand -hex 32")
	}

	return cfg
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("WARNING: invalid boolean for %s: %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("WARNING: invalid duration for %s: %q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
