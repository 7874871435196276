package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/ponytojas/arrivalboard/internal/display"
	"github.com/ponytojas/arrivalboard/internal/scheduler"
)

type Config struct {
	APIKey   string   `validate:"required"`
	FeedURLs []string `validate:"omitempty,dive,url"`

	PollInterval  time.Duration `validate:"gt=0"`
	FetchTimeout  time.Duration `validate:"gt=0,ltfield=PollInterval"`
	StaleAfter    time.Duration `validate:"gt=0"`
	MaxBackoff    time.Duration `validate:"gtefield=PollInterval"`
	ShutdownGrace time.Duration `validate:"gte=0"`
	Horizon       time.Duration `validate:"gte=0"`

	Capacity    int `validate:"gte=1,lte=10"`
	DisplayCols int `validate:"gte=8"`
	DisplayRows int `validate:"gte=3"`

	StopsFile   string
	DatabaseURL string

	NATSURL           string `validate:"omitempty,url"`
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool

	MetricsAddr string `validate:"omitempty,hostname_port"`
	Location    *time.Location
}

var validate = validator.New()

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Feed credential; MTAKey is the name older deployments used
	cfg.APIKey = strings.TrimSpace(firstNonEmpty(os.Getenv("MTA_API_KEY"), os.Getenv("MTAKey")))
	if cfg.APIKey == "" {
		return nil, errors.New("MTA_API_KEY must be set")
	}

	// Comma-separated GTFS-RT feed URLs; empty means every NYCT subway feed
	if v := os.Getenv("FEED_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.FeedURLs = append(cfg.FeedURLs, u)
			}
		}
	}

	var err error
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL_SEC", 30, time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT_SEC", 10, time.Second); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = durationEnv("STALE_AFTER_SEC", 120, time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = durationEnv("BACKOFF_MAX_SEC", 300, time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = durationEnv("SHUTDOWN_GRACE_MS", 2000, time.Millisecond); err != nil {
		return nil, err
	}
	// Hide trains further out than this many minutes; 0 shows them all
	if cfg.Horizon, err = durationEnv("HORIZON_MIN", 0, time.Minute); err != nil {
		return nil, err
	}

	if cfg.Capacity, err = intEnv("DISPLAY_CAPACITY", 3); err != nil {
		return nil, err
	}
	if cfg.DisplayCols, err = intEnv("DISPLAY_COLS", 32); err != nil {
		return nil, err
	}
	if cfg.DisplayRows, err = intEnv("DISPLAY_ROWS", 4); err != nil {
		return nil, err
	}

	// Station names: a YAML table wins over a GTFS database
	cfg.StopsFile = os.Getenv("STOPS_FILE")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))

	// NATS mirror is disabled unless NATS_URL is set
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "arrivals")

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Time zone for the update clock
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if need := display.MinLineWidth(cfg.Capacity, cfg.minuteDigits()); need > cfg.DisplayCols {
		return nil, fmt.Errorf("invalid config: %d arrivals need at least %d columns, DISPLAY_COLS is %d", cfg.Capacity, need, cfg.DisplayCols)
	}
	return cfg, nil
}

// minuteDigits bounds the width of a displayed minute count. Without a
// horizon, counts are assumed to stay below 1000.
func (c *Config) minuteDigits() int {
	if c.Horizon <= 0 {
		return 3
	}
	return len(strconv.Itoa(int(c.Horizon / time.Minute)))
}

// SchedulerOptions maps the timing settings onto the refresh scheduler.
func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		PollInterval:  c.PollInterval,
		FetchTimeout:  c.FetchTimeout,
		StaleAfter:    c.StaleAfter,
		MaxBackoff:    c.MaxBackoff,
		Capacity:      c.Capacity,
		ShutdownGrace: c.ShutdownGrace,
		Horizon:       c.Horizon,
	}
}

func durationEnv(k string, def int, unit time.Duration) (time.Duration, error) {
	n, err := intEnv(k, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func intEnv(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
