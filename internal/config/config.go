// Package config provides environment configuration for the copilot chat widget.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DevBaseURL is the backend used when running against a local Etendo instance.
	DevBaseURL = "http://localhost:8080/etendo/copilot/"
	// ProdBaseURL is the backend path relative to the page that embeds the widget.
	ProdBaseURL = "../../copilot/"
	// DefaultHostURL is the address the host serves the widget from.
	DefaultHostURL = "http://localhost:8080/etendo/web/com.etendoerp.copilot.dist/"
)

// Config holds all configuration for the application.
type Config struct {
	// Backend settings
	HostURL     string
	BaseURL     string
	DevMode     bool
	DevUser     string
	DevPassword string

	// Conversation settings
	TitleBatchSize         int
	TitleBatchDelay        time.Duration
	TitleMessageThreshold  int
	PlaceholderTitles      []string
	QuestionCacheThreshold int

	// Streaming settings
	StreamPollInterval     time.Duration
	StreamHeartbeatTimeout time.Duration
	CacheRetryAttempts     int

	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	HostSubject  string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from a .env file (if any) and environment variables.
func Load() *Config {
	_ = godotenv.Load()

	devMode := getBoolEnv("COPILOT_DEV", os.Getenv("ENV") == "development")
	defaultBase := ProdBaseURL
	if devMode {
		defaultBase = DevBaseURL
	}

	return &Config{
		// Backend
		HostURL:     getEnv("COPILOT_HOST_URL", DefaultHostURL),
		BaseURL:     getEnv("COPILOT_BASE_URL", defaultBase),
		DevMode:     devMode,
		DevUser:     getEnv("COPILOT_DEV_USER", "admin"),
		DevPassword: getEnv("COPILOT_DEV_PASSWORD", "admin"),

		// Conversations
		TitleBatchSize:         getIntEnv("TITLE_BATCH_SIZE", 3),
		TitleBatchDelay:        getDurationEnv("TITLE_BATCH_DELAY", 2*time.Second),
		TitleMessageThreshold:  getIntEnv("TITLE_MESSAGE_THRESHOLD", 6),
		PlaceholderTitles:      getListEnv("PLACEHOLDER_TITLES", []string{"Current conversation", "Conversación actual"}),
		QuestionCacheThreshold: getIntEnv("QUESTION_CACHE_THRESHOLD", 7000),

		// Streaming
		StreamPollInterval:     getDurationEnv("STREAM_POLL_INTERVAL", time.Second),
		StreamHeartbeatTimeout: getDurationEnv("STREAM_HEARTBEAT_TIMEOUT", 12000000*time.Millisecond),
		CacheRetryAttempts:     getIntEnv("CACHE_RETRY_ATTEMPTS", 3),

		// Server
		ServerPort:         getEnv("PORT", "8090"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		HostSubject:  getEnv("HOST_SUBJECT", "copilot.host.default"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// BackendURL resolves the backend base against the host page, the way a browser
// resolves the relative production path.
func (c *Config) BackendURL() (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL %q: %w", c.BaseURL, err)
	}
	if base.IsAbs() {
		return base.String(), nil
	}

	host, err := url.Parse(c.HostURL)
	if err != nil || !host.IsAbs() {
		return "", fmt.Errorf("relative backend URL %q needs an absolute COPILOT_HOST_URL", c.BaseURL)
	}
	return host.ResolveReference(base).String(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv reads a comma-separated list, dropping blank items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
