package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Discord  DiscordConfig   `json:"discord"`
	Logging  LoggingConfig   `json:"logging"`
	Queue    QueueConfig     `json:"queue"`
	Executor ExecutorConfig  `json:"executor"`
	Notifier NotifierConfig  `json:"notifier"`
	Poller   PollerConfig    `json:"poller"`
	Reports  ReportsConfig   `json:"reports"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Channels []ChannelConfig `json:"channels"`
}

type DiscordConfig struct {
	Token          string `json:"token"`
	AdminChannelID string `json:"admin_channel_id"`
	APIBase        string `json:"api_base,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string          `json:"level"`
	Console bool            `json:"console"`
	File    LogFileConfig   `json:"file"`
	Admin   AdminLogsConfig `json:"admin"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AdminLogsConfig mirrors records at/above min_level into the admin channel.
type AdminLogsConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type QueueConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
}

type ExecutorConfig struct {
	// Command is the generator invocation, e.g. ["python3", "run.py"].
	// Per-job flags are appended by the executor.
	Command []string `json:"command"`
	Timeout string   `json:"timeout,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

type NotifierConfig struct {
	MinDelay       string `json:"min_delay,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	CooldownMargin string `json:"cooldown_margin,omitempty"`
	CallTimeout    string `json:"call_timeout,omitempty"`
}

type PollerConfig struct {
	Tick           string   `json:"tick,omitempty"`
	BaseInterval   string   `json:"base_interval,omitempty"`
	MaxInterval    string   `json:"max_interval,omitempty"`
	ReconcileEvery string   `json:"reconcile_every,omitempty"`
	HeartbeatEvery string   `json:"heartbeat_every,omitempty"`
	FetchLimit     int      `json:"fetch_limit,omitempty"`
	BotAllowlist   []string `json:"bot_allowlist,omitempty"`
}

type ReportsConfig struct {
	// HolidayCutoff (DD/MM/YYYY) pins "last full week" computations during
	// end-of-year breaks. Empty means use the current date.
	HolidayCutoff string `json:"holiday_cutoff,omitempty"`
}

type ScheduleConfig struct {
	Enabled       bool   `json:"enabled"`
	Spec          string `json:"spec,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	HideDashboard bool   `json:"hide_dashboard,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ChannelConfig struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

// IsActive treats an omitted flag as active.
func (c ChannelConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

// Validate checks required fields and every duration-typed string.
// It never mutates the config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required")
	}
	if len(cfg.Executor.Command) == 0 {
		return fmt.Errorf("executor.command is required")
	}
	if cfg.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must be >= 0")
	}
	if cfg.Queue.QueueSize < 0 {
		return fmt.Errorf("queue.queue_size must be >= 0")
	}
	if cfg.Poller.FetchLimit < 0 || cfg.Poller.FetchLimit > 100 {
		return fmt.Errorf("poller.fetch_limit must be in [0,100]")
	}

	durations := []struct{ path, raw string }{
		{"discord.request_timeout", cfg.Discord.RequestTimeout},
		{"queue.stale_after", cfg.Queue.StaleAfter},
		{"executor.timeout", cfg.Executor.Timeout},
		{"notifier.min_delay", cfg.Notifier.MinDelay},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.cooldown_margin", cfg.Notifier.CooldownMargin},
		{"notifier.call_timeout", cfg.Notifier.CallTimeout},
		{"poller.tick", cfg.Poller.Tick},
		{"poller.base_interval", cfg.Poller.BaseInterval},
		{"poller.max_interval", cfg.Poller.MaxInterval},
		{"poller.reconcile_every", cfg.Poller.ReconcileEvery},
		{"poller.heartbeat_every", cfg.Poller.HeartbeatEvery},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Reports.HolidayCutoff != "" {
		if _, err := time.Parse("02/01/2006", strings.TrimSpace(cfg.Reports.HolidayCutoff)); err != nil {
			return fmt.Errorf("reports.holiday_cutoff: want DD/MM/YYYY: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("channels[%d].id %q duplicated", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(ch.ProjectID) == "" {
			return fmt.Errorf("channels[%d].project_id is required (channel %s)", i, id)
		}
	}

	return nil
}
