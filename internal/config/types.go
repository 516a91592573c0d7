package config

// Config enumerates every option the service recognizes.
// Durations are Go duration strings ("500ms", "10s", "24h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Paths    PathsConfig    `json:"paths"`
	Storage  StorageConfig  `json:"storage"`
	Backup   BackupConfig   `json:"backup"`
	Webhook  WebhookConfig  `json:"webhook"`
	Logging  LoggingConfig  `json:"logging"`
	Shutdown ShutdownConfig `json:"shutdown"`
	Systemd  SystemdConfig  `json:"systemd"`
}

type TelegramConfig struct {
	// Token may be overridden by the TELEGRAM_TOKEN environment variable.
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for getUpdates.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string `json:"api_url,omitempty"`
}

// PathsConfig names the persistent volumes. All of them are created at startup.
type PathsConfig struct {
	DataDir    string `json:"data_dir"`
	LogsDir    string `json:"logs_dir"`
	MemoryDir  string `json:"memory_dir"`
	BackupsDir string `json:"backups_dir"`
}

// StorageConfig controls the SQLite store.
//
// Example:
//
//	storage: { path: "./data/oracle.db", busy_timeout: "2s" }
type StorageConfig struct {
	// Path defaults to <data_dir>/oracle.db.
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BackupConfig struct {
	// OnStartup controls the pre-run backup. Defaults to true.
	OnStartup *bool `json:"on_startup,omitempty"`
	// StartupLabel tags the pre-run archive. Default "initial_setup".
	StartupLabel string `json:"startup_label,omitempty"`
	// ExtraFiles are copied under config/ in the archive when present (config file, .env).
	ExtraFiles []string `json:"extra_files,omitempty"`
	// MaxLogFiles is how many of the newest *.log files are archived. Default 3; -1 disables.
	MaxLogFiles int `json:"max_log_files,omitempty"`
	// Schedule is a cron expression for periodic backups while running. Empty disables.
	Schedule string `json:"schedule,omitempty"`
	// CleanupSchedule is a cron expression for retention cleanup. Default "0 3 * * *".
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`
	// KeepDays is the retention window. Default 7.
	KeepDays int `json:"keep_days,omitempty"`
}

// WebhookConfig controls the inbound-event listener.
type WebhookConfig struct {
	// Enabled defaults to true.
	Enabled     *bool  `json:"enabled,omitempty"`
	Addr        string `json:"addr,omitempty"` // default ":8080"
	Path        string `json:"path,omitempty"` // default "/webhook"
	SecretToken string `json:"secret_token,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 30
	Burst       int    `json:"burst,omitempty"`        // default 60
	MaxBodySize int64  `json:"max_body_size,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ShutdownConfig struct {
	// Grace bounds how long the runtime and listener get to stop. Default "5s".
	Grace string `json:"grace,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// BoolOr returns *p or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
