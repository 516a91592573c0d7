package app

import (
	"strings"
	"time"

	"oraclebot/internal/backup"
	"oraclebot/internal/bot"
	"oraclebot/internal/bot/webhook"
	"oraclebot/internal/config"
	"oraclebot/internal/storage"
	logx "oraclebot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

// mapBackupConfig archives the config file and the .env the config manager
// loads unless extra files are listed explicitly.
func mapBackupConfig(cfg *config.Config, cfgPath, envFile string) backup.Config {
	extra := cfg.Backup.ExtraFiles
	if len(extra) == 0 {
		extra = []string{cfgPath}
		if envFile != "" {
			extra = append(extra, envFile)
		}
	}
	maxLogs := cfg.Backup.MaxLogFiles
	if maxLogs < 0 {
		maxLogs = 0
	}
	return backup.Config{
		BackupsDir:  cfg.Paths.BackupsDir,
		DataDir:     cfg.Paths.DataDir,
		LogsDir:     cfg.Paths.LogsDir,
		MemoryDir:   cfg.Paths.MemoryDir,
		DBPath:      cfg.Storage.Path,
		ExtraFiles:  extra,
		MaxLogFiles: maxLogs,
	}
}

func mapScheduleConfig(cfg *config.Config) backup.ScheduleConfig {
	return backup.ScheduleConfig{
		Backup:   strings.TrimSpace(cfg.Backup.Schedule),
		Cleanup:  strings.TrimSpace(cfg.Backup.CleanupSchedule),
		KeepDays: cfg.Backup.KeepDays,
	}
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return bot.Config{}, err
	}
	read, err := config.ParseDurationOrDefault("webhook.read_timeout", cfg.Webhook.ReadTimeout, 10*time.Second)
	if err != nil {
		return bot.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("webhook.write_timeout", cfg.Webhook.WriteTimeout, 10*time.Second)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		Token:          cfg.Telegram.Token,
		APIURL:         cfg.Telegram.APIURL,
		PollTimeout:    poll,
		WebhookEnabled: config.BoolOr(cfg.Webhook.Enabled, true),
		Webhook: webhook.Config{
			Addr:         cfg.Webhook.Addr,
			Path:         cfg.Webhook.Path,
			SecretToken:  cfg.Webhook.SecretToken,
			RatePerSec:   cfg.Webhook.RatePerSec,
			Burst:        cfg.Webhook.Burst,
			MaxBodySize:  cfg.Webhook.MaxBodySize,
			ReadTimeout:  read,
			WriteTimeout: write,
		},
		StopGrace: cfg.ShutdownGrace(),
	}, nil
}
