package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	ModeSinceLast = "since_last"
	ModeFull      = "full"

	DefaultBatchSize  = 50
	DefaultMinSources = 2
)

// DefaultSections is the edition order used when a subscription sets none.
var DefaultSections = []string{
	"Breaking News",
	"Politics",
	"World",
	"Business",
	"Technology",
	"Science",
	"Culture",
	"Sports",
	"Opinion",
	"In Brief",
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Environment overrides for secrets.
const (
	EnvLLMAPIKey    = "DIGESTBOT_LLM_API_KEY"
	EnvBotToken     = "DIGESTBOT_BOT_TOKEN"
	EnvSMTPPassword = "DIGESTBOT_SMTP_PASSWORD"
)

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvLLMAPIKey); ok {
		cfg.LLM.APIKey = v
	}
	if v, ok := os.LookupEnv(EnvBotToken); ok {
		cfg.Telegram.BotToken = v
	}
	if v, ok := os.LookupEnv(EnvSMTPPassword); ok && cfg.Email != nil {
		cfg.Email.SMTPPassword = v
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "INFO"
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		cfg.State.Path = "./data/state.db"
	}
	if strings.TrimSpace(cfg.State.Mode) == "" {
		cfg.State.Mode = ModeSinceLast
	}
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if strings.TrimSpace(cfg.Telegram.WebBaseURL) == "" {
		cfg.Telegram.WebBaseURL = "https://t.me"
	}
	if cfg.Status.Addr == "" {
		cfg.Status.Addr = "127.0.0.1:8087"
	}
	for id, sub := range cfg.Subscriptions {
		if strings.TrimSpace(sub.Name) == "" {
			sub.Name = id
		}
		if sub.Output.NewspaperName == "" {
			sub.Output.NewspaperName = "The Evening Digest"
		}
		if sub.Output.Language == "" {
			sub.Output.Language = "en"
		}
		if len(sub.Output.Sections) == 0 {
			sub.Output.Sections = append([]string(nil), DefaultSections...)
		}
		if sub.Output.HTMLPath == "" {
			sub.Output.HTMLPath = "./output/" + id + "_%Y-%m-%d_%H%M.html"
		}
		if sub.Schedule.Timezone == "" {
			sub.Schedule.Timezone = cfg.Timezone
		}
		cfg.Subscriptions[id] = sub
	}
}

// EffectiveProcessing returns the subscription's processing options with
// defaults filled in.
func (s Subscription) EffectiveProcessing() Processing {
	var p Processing
	if s.Processing != nil {
		p = *s.Processing
	}
	if p.ClusteringBatchSize <= 0 {
		p.ClusteringBatchSize = DefaultBatchSize
	}
	if p.MinSourcesForArticle <= 0 {
		p.MinSourcesForArticle = DefaultMinSources
	}
	if p.IncludeForwards == nil {
		t := true
		p.IncludeForwards = &t
	}
	return p
}

// SubscriptionIDs returns the configured ids in stable order.
func (c *Config) SubscriptionIDs() []string {
	ids := make([]string, 0, len(c.Subscriptions))
	for id := range c.Subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate performs structural checks. Schedule rules are validated by the
// scheduler package when a subscription is bound.
func (c *Config) Validate() error {
	switch c.State.Mode {
	case ModeSinceLast, ModeFull:
	default:
		return fmt.Errorf("%w: state.mode must be %q or %q, got %q", ErrInvalid, ModeSinceLast, ModeFull, c.State.Mode)
	}
	if _, err := Duration("state.busy_timeout", c.State.BusyTimeout, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := Duration("llm.timeout", c.LLM.Timeout, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := Duration("fetch.timeout", c.Fetch.Timeout, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(c.Subscriptions) == 0 {
		return fmt.Errorf("%w: at least one subscription is required", ErrInvalid)
	}
	for _, id := range c.SubscriptionIDs() {
		if err := c.Subscriptions[id].validate(); err != nil {
			return fmt.Errorf("%w: subscriptions.%s: %v", ErrInvalid, id, err)
		}
	}
	return nil
}

func (s Subscription) validate() error {
	if len(s.Sources) == 0 {
		return errors.New("sources must not be empty")
	}
	for i, src := range s.Sources {
		if strings.TrimSpace(src) == "" {
			return fmt.Errorf("sources[%d] is empty", i)
		}
	}
	if s.Processing != nil {
		if s.Processing.ClusteringBatchSize < 0 {
			return errors.New("processing.clustering_batch_size must be >= 0")
		}
		if s.Processing.MaxMessages < 0 {
			return errors.New("processing.max_messages must be >= 0")
		}
	}
	if s.Output.SendEmail && len(s.Output.EmailTo) == 0 {
		return errors.New("output.email_to is required when send_email is set")
	}
	return nil
}
