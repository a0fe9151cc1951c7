package config

// Config is the full bot configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (bot token, admin ID, channel ID, Sentry DSN) are taken from the
// environment and never live in the YAML file; see Load.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
}

type TelegramConfig struct {
	// Token is the bot API token. Usually left empty in the file and provided
	// via BOT_TOKEN.
	Token string `yaml:"token,omitempty"`

	// AdminUserID is the single operator allowed to schedule posts.
	AdminUserID int64 `yaml:"admin_user_id,omitempty"`

	// ChannelID is the fixed broadcast destination.
	ChannelID int64 `yaml:"channel_id,omitempty"`

	// PollTimeout is the long-poll timeout, default "10s".
	PollTimeout string `yaml:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig controls the SQLite post store.
type StorageConfig struct {
	// Path to the database file, default "./posts.db".
	Path string `yaml:"path"`
	// BusyTimeout is the SQLite busy_timeout, default "5s".
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

// SchedulerConfig controls timer firing and delivery dispatch.
type SchedulerConfig struct {
	// Workers is the delivery worker pool size, default 4.
	Workers int `yaml:"workers,omitempty"`
	// QueueSize bounds the fired-post queue, default 64.
	QueueSize int `yaml:"queue_size,omitempty"`
	// SweepInterval is how often the reconcile sweep re-arms due pending
	// posts that have no timer. Default "1m"; "0s" disables the sweep.
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// DeliveryConfig is the retry policy for outbound publish calls.
type DeliveryConfig struct {
	// MaxAttempts per post before it is marked failed, default 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// RetryBase is the initial backoff between attempts, default "2s".
	RetryBase string `yaml:"retry_base,omitempty"`
	// RetryMaxDelay caps the backoff, default "30s".
	RetryMaxDelay string `yaml:"retry_max_delay,omitempty"`
	// RetryJitter is the relative jitter applied to backoff, default 0.2.
	RetryJitter float64 `yaml:"retry_jitter,omitempty"`
	// SendTimeout bounds a single publish call, default "30s".
	SendTimeout string `yaml:"send_timeout,omitempty"`
	// RatePerSec limits outbound sends (Telegram flood control), default 10.
	RatePerSec int `yaml:"rate_per_sec,omitempty"`
}
