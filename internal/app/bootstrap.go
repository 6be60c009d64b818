package app

import (
	"fmt"
	"strings"
	"time"

	"digestbot/internal/config"
	"digestbot/internal/llm"
	"digestbot/internal/notifier"
	"digestbot/internal/observability/status"
	"digestbot/internal/source"
	"digestbot/internal/storage"
	"digestbot/pkg/logx"
)

// ---- config mapping ----

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func logConfig(cfg *config.Config, level string) logx.Config {
	lc := mapLogConfig(cfg)
	if level != "" {
		lc.Level = level
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.Duration("state.busy_timeout", cfg.State.BusyTimeout, storage.DefaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.State.Path, BusyTimeout: busy}, nil
}

func mapLLMConfig(cfg *config.Config) (llm.Config, error) {
	timeout, err := config.Duration("llm.timeout", cfg.LLM.Timeout, llm.DefaultTimeout)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     timeout,
	}, nil
}

func mapWebOptions(cfg *config.Config) (source.WebOptions, error) {
	timeout, err := config.Duration("fetch.timeout", cfg.Fetch.Timeout, 30*time.Second)
	if err != nil {
		return source.WebOptions{}, err
	}
	return source.WebOptions{
		BaseURL:      cfg.Telegram.WebBaseURL,
		UserAgent:    cfg.Fetch.UserAgent,
		MaxPages:     cfg.Fetch.MaxPages,
		Timeout:      timeout,
		PageInterval: 500 * time.Millisecond,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{RatePerSec: cfg.Telegram.RatePerSec, SendTimeout: 60 * time.Second}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled:      cfg.Status.Enabled,
		Addr:         cfg.Status.Addr,
		Pprof:        cfg.Status.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ---- component construction ----

// buildChannels creates the delivery channels the config enables. The
// Telegram channel doubles as the log sender and is returned separately.
func buildChannels(cfg *config.Config, log logx.Logger) (*notifier.Telegram, []notifier.Channel, error) {
	var (
		tg       *notifier.Telegram
		channels []notifier.Channel
	)
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" {
		t, err := notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.LogChatID, mapNotifierConfig(cfg), log.With(logx.String("channel", "telegram")))
		if err != nil {
			return nil, nil, err
		}
		tg = t
		channels = append(channels, t)
	}
	if cfg.Email != nil {
		e, err := notifier.NewEmail(*cfg.Email, log.With(logx.String("channel", "email")))
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, e)
	}
	return tg, channels, nil
}
