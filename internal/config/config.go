package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Hub server settings.
	Port      string
	JWTSecret string
	AppEnv    string

	// Client settings.
	HubURL     string
	APIBaseURL string

	// Engine tuning. The reconcile and typing windows are empirical; they
	// are settings rather than constants so deployments can adjust them to
	// their network characteristics.
	InvokeTimeout     time.Duration
	ReconcileWindow   time.Duration
	TypingExpiry      time.Duration
	TypingDebounce    time.Duration
	ReconnectSchedule []time.Duration
}

// DefaultReconnectSchedule is the wait before reconnect attempt n; the last
// entry repeats indefinitely.
var DefaultReconnectSchedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	schedule, err := parseSchedule(getEnv("RECONNECT_SCHEDULE_MS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONNECT_SCHEDULE_MS: %w", err)
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		JWTSecret:         jwtSecret,
		AppEnv:            normalizeEnv(getEnv("APP_ENV", "production")),
		HubURL:            getEnv("HUB_URL", "ws://localhost:8080/ws/chat"),
		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		InvokeTimeout:     getEnvDuration("INVOKE_TIMEOUT_MS", 10*time.Second),
		ReconcileWindow:   getEnvDuration("RECONCILE_WINDOW_MS", 10*time.Second),
		TypingExpiry:      getEnvDuration("TYPING_EXPIRY_MS", 3*time.Second),
		TypingDebounce:    getEnvDuration("TYPING_DEBOUNCE_MS", 2500*time.Millisecond),
		ReconnectSchedule: schedule,
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func parseSchedule(value string) ([]time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return DefaultReconnectSchedule, nil
	}

	parts := strings.Split(value, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if ms < 0 {
			return nil, fmt.Errorf("negative delay %d", ms)
		}
		schedule = append(schedule, time.Duration(ms)*time.Millisecond)
	}
	return schedule, nil
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
