package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

// Secrets holds the values that only ever come from the environment.
type Secrets struct {
	SentryDSN string
	AppEnv    string
	Version   string
}

// LoadEnv loads an optional .env file and returns the environment-only
// secrets. Real environment variables take precedence over the file.
func LoadEnv() Secrets {
	_ = godotenv.Load()
	return Secrets{
		SentryDSN: os.Getenv("SENTRY_DSN"),
		AppEnv:    envOr("APP_ENV", "production"),
		Version:   envOr("VERSION", "dev"),
	}
}

// Parse decodes the YAML file at path, rejecting unknown keys, and overlays
// the environment on top (BOT_TOKEN, ADMIN_USER_ID, CHANNEL_ID). It does not
// validate; see Validate.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config %s is empty", path)
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// Reject trailing documents (e.g. accidental concatenation).
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config %s: trailing data", path)
	}

	if err := overlayEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("BOT_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_USER_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ADMIN_USER_ID: %w", err)
		}
		cfg.Telegram.AdminUserID = id
	}
	if v := strings.TrimSpace(os.Getenv("CHANNEL_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHANNEL_ID: %w", err)
		}
		cfg.Telegram.ChannelID = id
	}
	return nil
}

// Validate checks a parsed config. It is also installed as the hot-reload
// validator so a broken edit never replaces a working config.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token (or BOT_TOKEN) is required")
	}
	if cfg.Telegram.ChannelID == 0 {
		return errors.New("telegram.channel_id (or CHANNEL_ID) is required")
	}
	if cfg.Telegram.AdminUserID == 0 {
		return errors.New("telegram.admin_user_id (or ADMIN_USER_ID) is required")
	}
	if cfg.Scheduler.Workers < 0 {
		return errors.New("scheduler.workers must be >= 0")
	}
	if cfg.Delivery.MaxAttempts < 0 {
		return errors.New("delivery.max_attempts must be >= 0")
	}
	if cfg.Delivery.RetryJitter < 0 || cfg.Delivery.RetryJitter > 1 {
		return errors.New("delivery.retry_jitter must be within [0, 1]")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.sweep_interval", cfg.Scheduler.SweepInterval},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"delivery.send_timeout", cfg.Delivery.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
