package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string         `yaml:"addr"`
	JWTSecret     string         `yaml:"jwt_secret"`
	APITimeout    time.Duration  `yaml:"timeout"`
	DatabasePath  string         `yaml:"database_path"`
	TokenDuration time.Duration  `yaml:"token_duration"`
	Operator      OperatorConfig `yaml:"operator"`
	Worker        WorkerConfig   `yaml:"worker"`
	Remote        RemoteConfig   `yaml:"remote"`
	Content       ContentConfig  `yaml:"content"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Log           LogConfig      `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OperatorConfig holds the single operator account allowed to use the
// protected status endpoints.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// WorkerConfig holds the polling loop, reminder and outbox parameters.
type WorkerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	Timezone           string        `yaml:"timezone"`
	DailyAt            string        `yaml:"daily_at"`
	DayBeforeAt        string        `yaml:"day_before_at"`
	BeforeMinutes      int           `yaml:"before_minutes"`
	BatchSize          int           `yaml:"batch_size"`
	Lease              time.Duration `yaml:"lease"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMin         time.Duration `yaml:"backoff_min"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	BackoffMaxExponent int           `yaml:"backoff_max_exponent"`
	MaxDrainLoops      int           `yaml:"max_drain_loops"`
	WatermarkOverlap   time.Duration `yaml:"watermark_overlap"`
	EnabledCacheTTL    time.Duration `yaml:"enabled_cache_ttl"`
	EnabledCacheSize   int           `yaml:"enabled_cache_size"`
	RemoteCallTimeout  time.Duration `yaml:"remote_call_timeout"`
}

// RemoteConfig configures the remote document API client.
type RemoteConfig struct {
	BaseURL                 string        `yaml:"base_url"`
	Token                   string        `yaml:"token"`
	PrefsCollection         string        `yaml:"prefs_collection"`
	ProfilesCollection      string        `yaml:"profiles_collection"`
	PageSize                int           `yaml:"page_size"`
	Timeout                 time.Duration `yaml:"timeout"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`
}

type ContentConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type TelegramConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
	ParseMode string        `yaml:"parse_mode"`
}

var clockRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// DefaultWorkerConfig returns the worker defaults used when neither the
// environment nor the YAML file override a field.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:       time.Minute,
		Timezone:           "UTC",
		DailyAt:            "09:00",
		DayBeforeAt:        "20:00",
		BeforeMinutes:      60,
		BatchSize:          25,
		Lease:              2 * time.Minute,
		BackoffBase:        30 * time.Second,
		BackoffMin:         30 * time.Second,
		BackoffMax:         time.Hour,
		BackoffMaxExponent: 10,
		MaxDrainLoops:      20,
		WatermarkOverlap:   120 * time.Second,
		EnabledCacheTTL:    time.Minute,
		EnabledCacheSize:   1024,
		RemoteCallTimeout:  20 * time.Second,
	}
}

func LoadConfig(path string) (*Config, error) {
	apiTimeout := 15 * time.Second
	tokenDuration := 1 * time.Hour

	worker := DefaultWorkerConfig()
	worker.PollInterval = getEnvDuration("NUDGE_POLL_INTERVAL", worker.PollInterval)
	worker.Timezone = getEnv("NUDGE_TIMEZONE", worker.Timezone)

	cfg := &Config{
		Addr:          getEnv("NUDGE_ADDR", ":8080"),
		JWTSecret:     getEnv("NUDGE_JWT_SECRET", "supersecretkey"),
		APITimeout:    apiTimeout,
		DatabasePath:  getEnv("NUDGE_DATABASE_PATH", "nudge.db"),
		TokenDuration: tokenDuration,
		Operator: OperatorConfig{
			Username:     getEnv("NUDGE_OPERATOR_USERNAME", "operator"),
			PasswordHash: os.Getenv("NUDGE_OPERATOR_PASSWORD_HASH"),
		},
		Worker: worker,
		Remote: RemoteConfig{
			BaseURL:                 os.Getenv("NUDGE_REMOTE_BASE_URL"),
			Token:                   os.Getenv("NUDGE_REMOTE_TOKEN"),
			PrefsCollection:         getEnv("NUDGE_REMOTE_PREFS_COLLECTION", "preferences"),
			ProfilesCollection:      os.Getenv("NUDGE_REMOTE_PROFILES_COLLECTION"),
			PageSize:                100,
			Timeout:                 20 * time.Second,
			CircuitFailureThreshold: 5,
			CircuitReset:            30 * time.Second,
		},
		Content: ContentConfig{
			BaseURL: os.Getenv("NUDGE_CONTENT_BASE_URL"),
			Token:   os.Getenv("NUDGE_CONTENT_TOKEN"),
			Timeout: 20 * time.Second,
		},
		Telegram: TelegramConfig{
			BaseURL:   getEnv("NUDGE_TELEGRAM_BASE_URL", "https://api.telegram.org"),
			Token:     os.Getenv("NUDGE_TELEGRAM_TOKEN"),
			Timeout:   20 * time.Second,
			ParseMode: "HTML",
		},
		Log: LogConfig{
			Level:  getEnv("NUDGE_LOG_LEVEL", "info"),
			Format: getEnv("NUDGE_LOG_FORMAT", "json"),
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the configuration for values the worker cannot run with.
// The insecure default JWT secret is accepted only when NUDGE_ENV is
// "development".
func (c *Config) Validate() error {
	var errs []error

	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if os.Getenv("NUDGE_ENV") != "development" && c.JWTSecret == "supersecretkey" {
		errs = append(errs, errors.New("jwt_secret must be changed outside development"))
	}

	w := c.Worker
	if w.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("worker.timezone: %w", err))
	}
	if !clockRe.MatchString(w.DailyAt) {
		errs = append(errs, fmt.Errorf("worker.daily_at %q is not HH:MM", w.DailyAt))
	}
	if !clockRe.MatchString(w.DayBeforeAt) {
		errs = append(errs, fmt.Errorf("worker.day_before_at %q is not HH:MM", w.DayBeforeAt))
	}
	if w.BeforeMinutes < 0 {
		errs = append(errs, errors.New("worker.before_minutes must not be negative"))
	}
	if w.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if w.Lease <= 0 {
		errs = append(errs, errors.New("worker.lease must be positive"))
	}
	if w.BackoffMin <= 0 || w.BackoffMax < w.BackoffMin {
		errs = append(errs, errors.New("worker backoff bounds must satisfy 0 < backoff_min <= backoff_max"))
	}
	if w.MaxDrainLoops <= 0 {
		errs = append(errs, errors.New("worker.max_drain_loops must be positive"))
	}
	if w.WatermarkOverlap < 0 {
		errs = append(errs, errors.New("worker.watermark_overlap must not be negative"))
	}

	if c.Remote.BaseURL != "" && c.Remote.PrefsCollection == "" {
		errs = append(errs, errors.New("remote.prefs_collection is required when remote.base_url is set"))
	}

	return errors.Join(errs...)
}

// ParseClock parses an "HH:MM" wall-clock value into hour and minute.
func ParseClock(s string) (int, int, error) {
	if !clockRe.MatchString(s) {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	return h, m, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return def
}
