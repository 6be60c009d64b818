package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxTelegramLine  = 3500
	maxTelegramValue = 600
	telegramQueue    = 256
)

// TelegramConfig mirrors log lines at or above MinLevel into the log chat.
type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a preformatted log line. The notifier's Telegram
// channel implements it.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

// leading keys are printed first, in this order, when present.
var leading = []string{"subscription", "run_id", "comp", "err"}

// telegramSink is a zerolog.LevelWriter that queues formatted lines for a
// background sender. Writes never block; overflow and rate-limited lines
// are dropped.
type telegramSink struct {
	mu       sync.Mutex
	sender   Sender
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan string, telegramQueue), minLevel: zerolog.WarnLevel}
}

func (t *telegramSink) setSender(s Sender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	if cfg.Enabled {
		t.once.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			t.mu.Lock()
			t.cancel = cancel
			t.mu.Unlock()
			t.wg.Add(1)
			go t.run(ctx)
		})
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-t.queue:
			t.mu.Lock()
			sender := t.sender
			t.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.SendLog(sctx, line)
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.NoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	lim, minLevel := t.limiter, t.minLevel
	t.mu.Unlock()

	if lim == nil || level < minLevel || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	if line := formatLine(p); line != "" {
		select {
		case t.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// formatLine renders a JSON log line as "[LEVEL] message" followed by one
// "key=value" per field: leading keys first, then the rest sorted.
func formatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, maxTelegramLine)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "level")
	delete(m, "message")
	delete(m, "time")
	write := func(k string) {
		if v, ok := m[k]; ok {
			fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(v), maxTelegramValue))
			delete(m, k)
		}
	}
	for _, k := range leading {
		write(k)
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		write(k)
	}
	return clip(b.String(), maxTelegramLine)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
