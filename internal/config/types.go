package config

import (
	"bytes"
	"encoding/json"
)

// Config is the whole daemon configuration. It is decoded strictly: unknown
// keys are rejected so typos surface at load time.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	State    StateConfig    `json:"state"`
	LLM      LLMConfig      `json:"llm"`
	Telegram TelegramConfig `json:"telegram"`
	Email    *EmailConfig   `json:"email,omitempty"`
	Fetch    FetchConfig    `json:"fetch"`
	Status   StatusConfig   `json:"status,omitempty"`

	// Timezone is the default IANA zone for schedules that don't set one.
	Timezone string `json:"timezone,omitempty"`

	Subscriptions map[string]Subscription `json:"subscriptions"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors to telegram.log_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StateConfig controls the run-history database.
//
// Mode:
//   - "since_last" (default): resume from the last successful run and skip
//     already-processed items
//   - "full": always fetch the schedule's full window
type StateConfig struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	// BusyTimeout bounds how long a store operation may wait for the
	// database (Go duration string, default "30s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	// LogChatID receives mirrored log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// WebBaseURL is the public channel preview host (default https://t.me).
	WebBaseURL string `json:"web_base_url,omitempty"`
	// RatePerSec caps outgoing bot messages.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type EmailConfig struct {
	SMTPHost     string   `json:"smtp_host"`
	SMTPPort     int      `json:"smtp_port"`
	SMTPUser     string   `json:"smtp_user"`
	SMTPPassword string   `json:"smtp_password"`
	UseTLS       bool     `json:"use_tls"`
	To           []string `json:"to,omitempty"`
	FromAddress  string   `json:"from_address"`
	FromName     string   `json:"from_name,omitempty"`
}

type FetchConfig struct {
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// MaxPages bounds how far back a Telegram channel preview is paged.
	MaxPages int `json:"max_pages,omitempty"`
}

// StatusConfig controls the optional HTTP status server.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8087"
	Pprof   bool   `json:"pprof,omitempty"`
}

// Subscription is one independently scheduled digest.
type Subscription struct {
	Name string `json:"name"`
	// Sources lists channel handles ("@channel"), feed URLs ("rss:https://...")
	// or plain https URLs (treated as feeds).
	Sources    []string    `json:"sources"`
	Schedule   Schedule    `json:"schedule"`
	Processing *Processing `json:"processing,omitempty"`
	Output     Output      `json:"output"`
}

// Schedule is declarative; exactly one mode may be set:
//   - weekly: day_of_week (0=Monday..6=Sunday) + time
//   - daily multi-slot: times
//   - explicit range: from + to (RFC3339)
//   - lookback: lookback ("24 hours", "3 days", "36h")
type Schedule struct {
	Lookback  string   `json:"lookback,omitempty"`
	Times     []string `json:"times,omitempty"`
	DayOfWeek *int     `json:"day_of_week,omitempty"`
	Time      string   `json:"time,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

type Processing struct {
	MinSourcesForArticle int   `json:"min_sources_for_article,omitempty"`
	MaxMessages          int   `json:"max_messages,omitempty"`
	IncludeForwards      *bool `json:"include_forwards,omitempty"`
	ClusteringBatchSize  int   `json:"clustering_batch_size,omitempty"`
	// FilterContent drops items the LLM flags as ads or spam before clustering.
	FilterContent bool `json:"filter_content,omitempty"`
}

type Output struct {
	Language      string `json:"language,omitempty"`
	NewspaperName string `json:"newspaper_name,omitempty"`
	Tagline       string `json:"tagline,omitempty"`
	// HTMLPath may contain strftime-like verbs (%Y %m %d %H %M).
	HTMLPath string `json:"html_path,omitempty"`
	SaveHTML bool   `json:"save_html"`

	SendTelegram    bool    `json:"send_telegram"`
	TelegramChatIDs []int64 `json:"telegram_chat_ids,omitempty"`

	SendEmail bool     `json:"send_email"`
	EmailTo   []string `json:"email_to,omitempty"`

	// Sections orders the edition; clusters in other sections are appended.
	Sections []string `json:"sections,omitempty"`
}

// UnmarshalJSON rejects unknown schedule keys; a misspelled mode key would
// otherwise silently degrade to the hourly fallback.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	type plain Schedule
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = Schedule(p)
	return nil
}
