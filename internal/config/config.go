package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the assistant.
type Config struct {
	TelegramToken string
	DatabaseURL   string

	LLMEndpoint string
	LLMTimeout  time.Duration

	ReminderOffsets []time.Duration
	TickInterval    time.Duration
	ReminderSlack   time.Duration
	DeliveryTimeout time.Duration
	DeliveryWorkers int
	LedgerRetention time.Duration
	PurgeInterval   time.Duration

	ExpandHorizon       time.Duration
	ConfidenceThreshold float64
	DefaultTimezone     string

	MetricsListen string
	LogLevel      string
}

// Load reads configuration from environment variables with sane defaults.
// A .env file in the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		TelegramToken:       strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LLMEndpoint:         strings.TrimSpace(os.Getenv("LLM_URL")),
		LLMTimeout:          parseDuration(os.Getenv("LLM_TIMEOUT"), 30*time.Second),
		ReminderOffsets:     parseOffsets(os.Getenv("REMINDER_OFFSETS")),
		TickInterval:        parseDuration(os.Getenv("TICK_INTERVAL"), time.Minute),
		ReminderSlack:       parseDuration(os.Getenv("REMINDER_SLACK"), 2*time.Minute),
		DeliveryTimeout:     parseDuration(os.Getenv("DELIVERY_TIMEOUT"), 10*time.Second),
		DeliveryWorkers:     parseInt(os.Getenv("DELIVERY_WORKERS"), 4),
		LedgerRetention:     parseDuration(os.Getenv("LEDGER_RETENTION"), 7*24*time.Hour),
		PurgeInterval:       parseDuration(os.Getenv("PURGE_INTERVAL"), time.Hour),
		ExpandHorizon:       time.Duration(parseInt(os.Getenv("EXPAND_HORIZON_DAYS"), 60)) * 24 * time.Hour,
		ConfidenceThreshold: parseFloat(os.Getenv("CONFIDENCE_THRESHOLD"), 0.6),
		DefaultTimezone:     strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE")),
		MetricsListen:       strings.TrimSpace(os.Getenv("METRICS_LISTEN")),
		LogLevel:            strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "calendar_assistant.db"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "Europe/Moscow"
	}
	if len(cfg.ReminderOffsets) == 0 {
		cfg.ReminderOffsets = []time.Duration{30 * time.Minute}
	}

	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	if cfg.LLMEndpoint == "" {
		return cfg, fmt.Errorf("LLM_URL is required")
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return cfg, fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// parseOffsets reads a comma-separated duration list, e.g. "30m,10m".
func parseOffsets(raw string) []time.Duration {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil || d <= 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(raw string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f < 0 || f > 1 {
		return fallback
	}
	return f
}
