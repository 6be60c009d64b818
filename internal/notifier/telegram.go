package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

// maxMessageLen is Telegram's text message limit.
const maxMessageLen = 4096

// bot is the slice of *tele.Bot the channel uses.
type bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers editions through a bot. It also mirrors log lines to
// logChatID when one is set.
type Telegram struct {
	bot       bot
	limiter   *rate.Limiter
	timeout   time.Duration
	logChatID int64
	log       logx.Logger
}

// NewTelegram creates an offline bot client (no polling; send only).
func NewTelegram(token string, logChatID int64, cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(b, logChatID, cfg, log), nil
}

func newTelegram(b bot, logChatID int64, cfg Config, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Telegram{
		bot: b,
		// Burst = rate per sec, so one edition to a few chats doesn't block.
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		timeout:   timeout,
		logChatID: logChatID,
		log:       log,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, d Delivery) []Result {
	if d.Newspaper == nil || len(d.ChatIDs) == 0 {
		return nil
	}
	text := Summary(d.Newspaper)
	out := make([]Result, 0, len(d.ChatIDs))
	for _, id := range d.ChatIDs {
		err := t.deliverChat(ctx, id, text, d)
		out = append(out, Result{Channel: t.Name(), Target: strconv.FormatInt(id, 10), Err: err})
	}
	return out
}

func (t *Telegram) deliverChat(ctx context.Context, chatID int64, text string, d Delivery) error {
	chat := &tele.Chat{ID: chatID}
	if err := t.send(ctx, chat, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	if len(d.HTML) == 0 {
		return nil
	}
	name := d.HTMLName
	if name == "" {
		name = "edition.html"
	}
	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(d.HTML)),
		FileName: name,
		Caption:  "📖 Full edition",
	}
	if err := t.send(ctx, chat, doc); err != nil {
		return fmt.Errorf("send edition file: %w", err)
	}
	return nil
}

// send waits for the limiter, then calls the bot. The bot API itself is not
// context-aware, so a send that outlives its timeout is abandoned rather
// than interrupted.
func (t *Telegram) send(ctx context.Context, to tele.Recipient, what interface{}, opts ...interface{}) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(to, what, opts...)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

// SendLog implements logx.Sender.
func (t *Telegram) SendLog(ctx context.Context, text string) error {
	if t == nil || t.logChatID == 0 {
		return nil
	}
	return t.send(ctx, &tele.Chat{ID: t.logChatID}, truncate(text, maxMessageLen), &tele.SendOptions{DisableWebPagePreview: true})
}

// Summary is the Telegram message for an edition: title, date, the first
// three headlines of each section and totals.
func Summary(n *digest.Newspaper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📰 <b>%s</b>\n", html.EscapeString(n.Title))
	fmt.Fprintf(&b, "%s\n\n", n.EditionDate.Format("January 2, 2006"))
	b.WriteString("<b>Top Stories:</b>\n\n")
	for _, s := range n.Sections {
		if len(s.Articles) == 0 {
			continue
		}
		fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(s.Name))
		for _, a := range s.Articles[:min(3, len(s.Articles))] {
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(a.Headline))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "📊 %d articles from %d sources", n.ArticleCount(), n.SourcesTotal)
	return truncate(b.String(), maxMessageLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
