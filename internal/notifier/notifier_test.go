package notifier

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"digestbot/internal/config"
	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

type sent struct {
	chat int64
	what interface{}
}

type fakeBot struct {
	mu   sync.Mutex
	sent []sent
	fail map[int64]bool
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	chat, _ := to.(*tele.Chat)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[chat.ID] {
		return nil, errors.New("chat not found")
	}
	b.sent = append(b.sent, sent{chat: chat.ID, what: what})
	return &tele.Message{ID: len(b.sent)}, nil
}

func edition() *digest.Newspaper {
	arts := func(names ...string) []*digest.Article {
		var out []*digest.Article
		for _, n := range names {
			out = append(out, &digest.Article{Headline: n})
		}
		return out
	}
	return &digest.Newspaper{
		Title:       "Evening <Post>",
		EditionDate: time.Date(2024, 5, 6, 18, 0, 0, 0, time.UTC),
		Sections: []*digest.Section{
			{Name: "World", Articles: arts("w1", "w2", "w3", "w4")},
			{Name: "Empty"},
			{Name: "Sports & Games", Articles: arts("s1")},
		},
		SourcesTotal: 4,
	}
}

func TestSummaryListsTopThreePerSection(t *testing.T) {
	t.Parallel()

	s := Summary(edition())
	for _, want := range []string{"<b>Evening &lt;Post&gt;</b>", "May 6, 2024", "• w3", "<b>Sports &amp; Games</b>", "5 articles from 4 sources"} {
		if !strings.Contains(s, want) {
			t.Fatalf("summary missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "w4") || strings.Contains(s, "Empty") {
		t.Fatalf("summary should cap at 3 headlines and skip empty sections:\n%s", s)
	}
}

func TestTelegramDeliverIsolatesChats(t *testing.T) {
	t.Parallel()

	b := &fakeBot{fail: map[int64]bool{2: true}}
	tg := newTelegram(b, 0, Config{RatePerSec: 100}, logx.Nop())

	res := tg.Deliver(context.Background(), Delivery{
		Newspaper: edition(),
		HTML:      []byte("<html></html>"),
		HTMLName:  "e.html",
		ChatIDs:   []int64{1, 2, 3},
	})
	if len(res) != 3 || res[0].Err != nil || res[1].Err == nil || res[2].Err != nil {
		t.Fatalf("results = %+v", res)
	}
	if len(b.sent) != 4 {
		t.Fatalf("sent = %d messages, want summary+file to chats 1 and 3", len(b.sent))
	}
	doc, ok := b.sent[1].what.(*tele.Document)
	if !ok || doc.FileName != "e.html" {
		t.Fatalf("second send should be the edition document, got %T", b.sent[1].what)
	}
}

func TestSendLogNoChatIsNoop(t *testing.T) {
	t.Parallel()

	b := &fakeBot{}
	if err := newTelegram(b, 0, Config{}, logx.Nop()).SendLog(context.Background(), "x"); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	if err := newTelegram(b, 77, Config{}, logx.Nop()).SendLog(context.Background(), "warn line"); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	if len(b.sent) != 1 || b.sent[0].chat != 77 || b.sent[0].what != "warn line" {
		t.Fatalf("sent = %+v", b.sent)
	}
}

func TestEmailComposesMultipartPerRecipient(t *testing.T) {
	t.Parallel()

	e, err := NewEmail(config.EmailConfig{SMTPHost: "smtp.test", SMTPPort: 2525, FromAddress: "bot@test", FromName: "Bot"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewEmail: %v", err)
	}
	var (
		mu   sync.Mutex
		msgs = map[string]string{}
	)
	e.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "smtp.test:2525" || from != "bot@test" || len(to) != 1 {
			t.Errorf("send(%s, %s, %v)", addr, from, to)
		}
		if to[0] == "bad@test" {
			return errors.New("550 mailbox unavailable")
		}
		mu.Lock()
		msgs[to[0]] = string(msg)
		mu.Unlock()
		return nil
	}

	res := e.Deliver(context.Background(), Delivery{
		Newspaper: edition(),
		HTML:      []byte("<html>edition</html>"),
		EmailTo:   []string{"a@test", "bad@test"},
	})
	if len(res) != 2 || res[0].Err != nil || res[1].Err == nil {
		t.Fatalf("results = %+v", res)
	}
	msg := msgs["a@test"]
	for _, want := range []string{"To: a@test", "multipart/alternative", "text/plain; charset=utf-8", "text/html; charset=utf-8", "<html>edition</html>", "• w1"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}

	if _, err := NewEmail(config.EmailConfig{}, logx.Nop()); err == nil {
		t.Fatalf("NewEmail without host should fail")
	}
}

type stubChannel struct {
	name string
	err  error
}

func (c stubChannel) Name() string { return c.name }
func (c stubChannel) Deliver(_ context.Context, d Delivery) []Result {
	return []Result{{Channel: c.name, Target: d.Subscription, Err: c.err}}
}

func TestServiceRecordsHistory(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop(), stubChannel{name: "ok"}, nil, stubChannel{name: "broken", err: errors.New("down")})
	if got := strings.Join(s.Channels(), ","); got != "ok,broken" {
		t.Fatalf("channels = %s", got)
	}
	res := s.Deliver(context.Background(), Delivery{Subscription: "evening"})
	if len(res) != 2 {
		t.Fatalf("results = %+v", res)
	}
	h := s.Snapshot()
	if len(h) != 2 || h[0].Error != "" || h[1].Error != "down" || h[1].Subscription != "evening" {
		t.Fatalf("history = %+v", h)
	}
}
