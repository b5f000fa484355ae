package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the messenger client and the development relay.
type Config struct {
	SocketURL string `validate:"required,url"`
	APIURL    string `validate:"required,url"`
	UserID    string
	Token     string

	StopTypingDelay   time.Duration `validate:"gt=0"`
	TypingTimeout     time.Duration `validate:"gt=0"`
	ReconnectAttempts int           `validate:"gte=0"`
	ReconnectMax      time.Duration `validate:"gt=0"`

	RelayAddr string `validate:"required"`
	UploadDir string `validate:"required"`

	// Change-feed tracing, exported to Zipkin when enabled.
	TracingEnabled     bool
	TracingServiceName string `validate:"required"`
	TracingZipkinURL   string `validate:"required,url"`
}

const (
	DefaultSocketURL         = "ws://localhost:8080/socket"
	DefaultAPIURL            = "http://localhost:8080"
	DefaultStopTypingDelay   = 1500 * time.Millisecond
	DefaultTypingTimeout     = 5 * time.Second
	DefaultReconnectAttempts = 8
	DefaultReconnectMax      = 10 * time.Second
	DefaultRelayAddr         = ":8080"
	DefaultUploadDir         = "uploads"
	DefaultTracingService    = "spotter-messenger"
	DefaultZipkinURL         = "http://localhost:9411/api/v2/spans"
)

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		SocketURL: getenv("SPOTTER_SOCKET_URL", DefaultSocketURL),
		APIURL:    getenv("SPOTTER_API_URL", DefaultAPIURL),
		UserID:    os.Getenv("SPOTTER_USER_ID"),
		Token:     os.Getenv("SPOTTER_TOKEN"),
		RelayAddr: getenv("SPOTTER_RELAY_ADDR", DefaultRelayAddr),
		UploadDir: getenv("SPOTTER_UPLOAD_DIR", DefaultUploadDir),

		TracingServiceName: getenv("PUBSUB_TRACING_SERVICE_NAME", DefaultTracingService),
		TracingZipkinURL:   getenv("PUBSUB_TRACING_ZIPKIN_URL", DefaultZipkinURL),
	}

	var err error
	if cfg.StopTypingDelay, err = durationEnv("SPOTTER_STOP_TYPING_DELAY", DefaultStopTypingDelay); err != nil {
		return nil, err
	}
	if cfg.TypingTimeout, err = durationEnv("SPOTTER_TYPING_TIMEOUT", DefaultTypingTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = durationEnv("SPOTTER_RECONNECT_MAX", DefaultReconnectMax); err != nil {
		return nil, err
	}
	cfg.ReconnectAttempts = DefaultReconnectAttempts
	if v := os.Getenv("SPOTTER_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SPOTTER_RECONNECT_ATTEMPTS: %w", err)
		}
		cfg.ReconnectAttempts = n
	}
	if v := os.Getenv("PUBSUB_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PUBSUB_TRACING_ENABLED: %w", err)
		}
		cfg.TracingEnabled = enabled
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
