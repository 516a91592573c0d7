package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultStartupLabel    = "initial_setup"
	DefaultCleanupSchedule = "0 3 * * *"
	DefaultKeepDays        = 7
	DefaultMaxLogFiles     = 3
	DefaultWebhookAddr     = ":8080"
	DefaultWebhookPath     = "/webhook"
	DefaultShutdownGrace   = 5 * time.Second
)

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{Logging: LoggingConfig{Level: "INFO", Console: true}}
	c.Normalize()
	return c
}

// Normalize fills omitted fields with defaults. It never fails; Validate does the checking.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = "./data"
	}
	if strings.TrimSpace(c.Paths.LogsDir) == "" {
		c.Paths.LogsDir = "./logs"
	}
	if strings.TrimSpace(c.Paths.MemoryDir) == "" {
		c.Paths.MemoryDir = "./memory"
	}
	if strings.TrimSpace(c.Paths.BackupsDir) == "" {
		c.Paths.BackupsDir = "./backups"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = filepath.Join(c.Paths.DataDir, "oracle.db")
	}

	if strings.TrimSpace(c.Backup.StartupLabel) == "" {
		c.Backup.StartupLabel = DefaultStartupLabel
	}
	if c.Backup.MaxLogFiles == 0 {
		c.Backup.MaxLogFiles = DefaultMaxLogFiles
	}
	if strings.TrimSpace(c.Backup.CleanupSchedule) == "" {
		c.Backup.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.Backup.KeepDays == 0 {
		c.Backup.KeepDays = DefaultKeepDays
	}

	if strings.TrimSpace(c.Webhook.Addr) == "" {
		c.Webhook.Addr = DefaultWebhookAddr
	}
	if strings.TrimSpace(c.Webhook.Path) == "" {
		c.Webhook.Path = DefaultWebhookPath
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + c.Webhook.Path
	}
	if c.Webhook.RatePerSec == 0 {
		c.Webhook.RatePerSec = 30
	}
	if c.Webhook.Burst == 0 {
		c.Webhook.Burst = 2 * c.Webhook.RatePerSec
	}
	if c.Webhook.MaxBodySize == 0 {
		c.Webhook.MaxBodySize = 1 << 20
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		c.Logging.File.Path = filepath.Join(c.Paths.LogsDir, "oraclebot.log")
	}
}

// ApplyEnv overrides secrets from the process environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")); v != "" {
		c.Webhook.SecretToken = v
	}
}

// Validate checks durations, schedules and required fields.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required (or set TELEGRAM_TOKEN)")
	}
	if u := strings.TrimSpace(c.Telegram.APIURL); u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("telegram.api_url: %w", err)
		}
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"storage.busy_timeout":  c.Storage.BusyTimeout,
		"webhook.read_timeout":  c.Webhook.ReadTimeout,
		"webhook.write_timeout": c.Webhook.WriteTimeout,
		"shutdown.grace":        c.Shutdown.Grace,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if s := strings.TrimSpace(c.Backup.Schedule); s != "" {
		if _, err := parser.Parse(s); err != nil {
			return fmt.Errorf("backup.schedule: invalid %q: %w", s, err)
		}
	}
	if s := strings.TrimSpace(c.Backup.CleanupSchedule); s != "" {
		if _, err := parser.Parse(s); err != nil {
			return fmt.Errorf("backup.cleanup_schedule: invalid %q: %w", s, err)
		}
	}
	if c.Backup.KeepDays < 0 {
		return errors.New("backup.keep_days must be >= 0")
	}
	if c.Webhook.RatePerSec < 0 || c.Webhook.Burst < 0 {
		return errors.New("webhook.rate_per_sec and webhook.burst must be >= 0")
	}
	return nil
}

// ShutdownGrace returns the parsed shutdown grace (default 5s).
func (c *Config) ShutdownGrace() time.Duration {
	d, err := ParseDurationOrDefault("shutdown.grace", c.Shutdown.Grace, DefaultShutdownGrace)
	if err != nil {
		return DefaultShutdownGrace
	}
	return d
}

// Dirs lists the directories that must exist before the startup sequence.
func (c *Config) Dirs() []string {
	return []string{c.Paths.DataDir, c.Paths.LogsDir, c.Paths.MemoryDir, c.Paths.BackupsDir}
}
