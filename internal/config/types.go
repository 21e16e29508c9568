package config

// Config is the full on-disk configuration. All durations are Go duration
// strings ("30s", "5m"); zero values fall back to component defaults.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Attachments AttachmentsConfig `json:"attachments"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Limits      LimitsConfig      `json:"limits"`
	Notify      NotifyConfig      `json:"notify,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Pool        PoolConfig        `json:"pool,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	Account     string `json:"account,omitempty"` // pool key, default "main"
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console,omitempty"`
	File    LogFileConfig     `json:"file,omitempty"`
	Relay   LogTelegramConfig `json:"telegram,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LogTelegramConfig relays WARN+ lines to an operator chat.
type LogTelegramConfig struct {
	Enabled    bool  `json:"enabled,omitempty"`
	ChatID     int64 `json:"chat_id,omitempty"`
	ThreadID   int   `json:"thread_id,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type AttachmentsConfig struct {
	Dir          string `json:"dir"`
	MaxFileBytes int64  `json:"max_file_bytes,omitempty"`
	MaxTotal     int64  `json:"max_total_bytes,omitempty"`
	TTL          string `json:"ttl,omitempty"`
}

type SchedulerConfig struct {
	Workers           int    `json:"workers,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	ResyncInterval    string `json:"resync_interval,omitempty"`
	Horizon           string `json:"horizon,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	Burst             int    `json:"burst,omitempty"`
	AttemptTimeout    string `json:"attempt_timeout,omitempty"`
	RetryDelay        string `json:"retry_delay,omitempty"`
	StoreRetries      int    `json:"store_retries,omitempty"`
	StoreRetryBackoff string `json:"store_retry_backoff,omitempty"`
}

type LimitsConfig struct {
	MinInterval         string `json:"min_interval,omitempty"`
	MaxDuration         string `json:"max_duration,omitempty"`
	MaxScheduledPerUser int    `json:"max_scheduled_per_user,omitempty"`
	MaxRecurringPerUser int    `json:"max_recurring_per_user,omitempty"`
}

type NotifyConfig struct {
	Enabled    *bool `json:"enabled,omitempty"` // nil means enabled
	Workers    int   `json:"workers,omitempty"`
	QueueSize  int   `json:"queue_size,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty"`
}

type MaintenanceConfig struct {
	SweepSpec     string `json:"sweep_spec,omitempty"`
	PruneSpec     string `json:"prune_spec,omitempty"`
	TaskRetention string `json:"task_retention,omitempty"`
}

type PoolConfig struct {
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

func (c *TelegramConfig) AccountName() string {
	if c.Account == "" {
		return "main"
	}
	return c.Account
}

func (c *NotifyConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
