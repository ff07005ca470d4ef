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

	"gtfsrt-ingestor/internal/maintenance"
)

type Config struct {
	FeedURLs     []string `validate:"required,min=1,dive,required"`
	DatabaseURL  string   `validate:"required"`
	HTTPTimeout  time.Duration
	StopTimesCSV string

	Interval      time.Duration
	AlignInterval time.Duration
	AlignOffset   time.Duration
	Once          bool
	DryRun        bool

	RailLabelPrefix  string
	HistoryRetention time.Duration

	AutoRefreshStatic bool
	StaticRefreshAt   maintenance.TimeOfDay
	StaticZipPath     string
	StaticZipURL      string

	AutoArchive          bool
	ArchiveAt            maintenance.TimeOfDay
	ArchiveRetentionDays float64 `validate:"gt=0"`
	ArchiveIntervalDays  int     `validate:"gte=1"`
	ArchiveForce         bool

	MetricsAddr     string
	NATSURL         string
	LogNATSSubjects bool

	Location *time.Location `validate:"-"`

	FailureThreshold int `validate:"gte=0"`
	WebhookURL       string
	WebhookUsername  string
	WebhookAvatar    string
	ReportWebhookURL string
}

// Load builds the configuration from environment variables. A .env file in
// the working directory is merged in first; command-line flags may override
// individual values afterwards.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.FeedURLs = SplitList(os.Getenv("FEED_URLS"))
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))

	var err error
	if cfg.HTTPTimeout, err = getenvSeconds("FETCH_TIMEOUT_SEC", 15*time.Second); err != nil {
		return nil, err
	}
	cfg.StopTimesCSV = os.Getenv("STOP_TIMES_CSV")

	if cfg.Interval, err = getenvSeconds("POLL_INTERVAL_SEC", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AlignInterval, err = getenvSeconds("POLL_ALIGN_INTERVAL_SEC", 0); err != nil {
		return nil, err
	}
	if cfg.AlignOffset, err = getenvSeconds("POLL_ALIGN_OFFSET_SEC", 0); err != nil {
		return nil, err
	}

	cfg.RailLabelPrefix = getenvDefault("RAIL_LABEL_PREFIX", "R")
	hours, err := getenvInt("VEHICLE_HISTORY_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.HistoryRetention = time.Duration(hours) * time.Hour

	cfg.AutoRefreshStatic = getenvBool("AUTO_REFRESH_STATIC", false)
	if cfg.StaticRefreshAt, err = getenvTimeOfDay("STATIC_REFRESH_TIME", "10:00"); err != nil {
		return nil, err
	}
	cfg.StaticZipPath = os.Getenv("STATIC_ZIP_PATH")
	cfg.StaticZipURL = os.Getenv("STATIC_ZIP_URL")

	cfg.AutoArchive = getenvBool("AUTO_ARCHIVE", false)
	if cfg.ArchiveAt, err = getenvTimeOfDay("ARCHIVE_TIME", "02:00"); err != nil {
		return nil, err
	}
	if cfg.ArchiveRetentionDays, err = getenvFloat("ARCHIVE_RETENTION_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.ArchiveIntervalDays, err = getenvInt("ARCHIVE_INTERVAL_DAYS", 1); err != nil {
		return nil, err
	}
	cfg.ArchiveForce = getenvBool("ARCHIVE_FORCE", false)

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.LogNATSSubjects = getenvBool("LOG_NATS_SUBJECTS", false)

	tzName := getenvDefault("POLLER_TZ", "Europe/Madrid")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid POLLER_TZ: %v", err)
	}
	cfg.Location = loc

	if cfg.FailureThreshold, err = getenvInt("FAILURE_ALERT_THRESHOLD", 5); err != nil {
		return nil, err
	}
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.WebhookUsername = os.Getenv("WEBHOOK_USERNAME")
	cfg.WebhookAvatar = os.Getenv("WEBHOOK_AVATAR_URL")
	cfg.ReportWebhookURL = firstNonEmpty(os.Getenv("REPORT_WEBHOOK_URL"), cfg.WebhookURL)

	return cfg, nil
}

// Validate checks the assembled configuration, after flag overrides.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return err
		}
		for _, fieldErr := range err.(validator.ValidationErrors) {
			switch fieldErr.StructField() {
			case "FeedURLs":
				return errors.New("FEED_URLS or --feed must list at least one feed")
			case "DatabaseURL":
				return errors.New("DATABASE_URL or --database-url must be set")
			default:
				return fmt.Errorf("invalid configuration field %s", fieldErr.StructField())
			}
		}
		return err
	}
	if c.AlignInterval < 0 || c.AlignOffset < 0 {
		return errors.New("alignment interval and offset must not be negative")
	}
	if c.AlignInterval == 0 && c.Interval <= 0 {
		return errors.New("poll interval must be positive when alignment is disabled")
	}
	if c.AlignInterval > 0 {
		// Offsets beyond one interval wrap, they mean the same boundary.
		c.AlignOffset = c.AlignOffset % c.AlignInterval
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}
	if c.AutoRefreshStatic && c.StaticZipPath == "" && c.StaticZipURL == "" {
		return errors.New("automatic static refresh needs STATIC_ZIP_PATH or STATIC_ZIP_URL")
	}
	return nil
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

// SplitList parses a comma-separated environment value, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvSeconds(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getenvFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvTimeOfDay(k, def string) (maintenance.TimeOfDay, error) {
	v := getenvDefault(k, def)
	tod, err := maintenance.ParseTimeOfDay(v)
	if err != nil {
		return maintenance.TimeOfDay{}, fmt.Errorf("invalid %s: %v", k, err)
	}
	return tod, nil
}
