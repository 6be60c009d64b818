package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"digestbot/internal/storage"
	"digestbot/pkg/logx"
)

func TestParseRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		kind Kind
		id   string
	}{
		{in: "@news_ru", kind: KindTelegram, id: "@news_ru"},
		{in: "t.me/durov", kind: KindTelegram, id: "@durov"},
		{in: "https://t.me/s/durov/123", kind: KindTelegram, id: "@durov"},
		{in: "plainname", kind: KindTelegram, id: "@plainname"},
		{in: "rss:https://example.com/feed.xml", kind: KindFeed, id: "https://example.com/feed.xml"},
		{in: "https://example.com/atom", kind: KindFeed, id: "https://example.com/atom"},
	}
	for _, tc := range cases {
		ref, err := ParseRef(tc.in)
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", tc.in, err)
		}
		if ref.Kind != tc.kind || ref.ID != tc.id {
			t.Fatalf("ParseRef(%q) = %+v", tc.in, ref)
		}
	}

	for _, bad := range []string{"", "@", "@bad-name", "rss:ftp://x", "rss:nope"} {
		if _, err := ParseRef(bad); err == nil {
			t.Fatalf("ParseRef(%q) should fail", bad)
		}
	}
}

func telegramPage(posts ...string) string {
	return `<html><body>
<div class="tgme_channel_info_header_title"><span>Test Channel</span></div>
<section class="tgme_channel_history">` + strings.Join(posts, "\n") + `</section></body></html>`
}

func post(id int, at time.Time, body string) string {
	return fmt.Sprintf(`<div class="tgme_widget_message_wrap"><div class="tgme_widget_message" data-post="testchan/%d">
%s
<div class="tgme_widget_message_footer"><a class="tgme_widget_message_date" href="#"><time datetime="%s">x</time></a></div>
</div></div>`, id, body, at.Format(time.RFC3339))
}

func TestTelegramWebPagesBackwards(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu      sync.Mutex
		befores []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/s/testchan" {
			http.NotFound(w, r)
			return
		}
		before := r.URL.Query().Get("before")
		mu.Lock()
		befores = append(befores, before)
		mu.Unlock()
		switch before {
		case "":
			fmt.Fprint(w, telegramPage(
				post(11, base.Add(-time.Hour), `<div class="tgme_widget_message_text">first<br/>line <a href="https://example.com/a">link</a></div>`),
				post(12, base, `<div class="tgme_widget_message_forwarded_from">Forwarded from <a class="tgme_widget_message_forwarded_from_name">Other</a></div><div class="tgme_widget_message_text">fwd</div>`),
			))
		case "11":
			fmt.Fprint(w, telegramPage(
				post(10, base.Add(-48*time.Hour), `<a class="tgme_widget_message_photo_wrap" style="background-image:url('https://cdn/x.jpg')"></a><div class="tgme_widget_message_text">old</div>`),
			))
		default:
			t.Errorf("unexpected page before=%s", before)
		}
	}))
	defer srv.Close()

	tw := NewTelegramWeb(WebOptions{BaseURL: srv.URL}, logx.Nop())
	ref, _ := ParseRef("@testchan")
	meta, items, err := tw.Fetch(context.Background(), ref, base.Add(-24*time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if meta.Title != "Test Channel" {
		t.Fatalf("title = %q", meta.Title)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	mu.Lock()
	pages := len(befores)
	mu.Unlock()
	if pages != 2 {
		t.Fatalf("pages fetched = %d, want 2 (stop once older than start)", pages)
	}

	first := items[0]
	if first.ItemID != "11" || first.Text != "first\nline link" || first.Link != srv.URL+"/testchan/11" {
		t.Fatalf("first = %+v", first)
	}
	if len(first.Links) != 1 || first.Links[0] != "https://example.com/a" {
		t.Fatalf("links = %v", first.Links)
	}
	if !items[1].IsForward || items[1].ForwardFrom != "Other" {
		t.Fatalf("forward = %+v", items[1])
	}
	if len(items[2].Media) != 1 || items[2].Media[0].URL != "https://cdn/x.jpg" {
		t.Fatalf("media = %+v", items[2].Media)
	}
}

func TestTelegramWebFirstPageErrorFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tw := NewTelegramWeb(WebOptions{BaseURL: srv.URL}, logx.Nop())
	ref, _ := ParseRef("@missing")
	if _, _, err := tw.Fetch(context.Background(), ref, time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatalf("expected error for 404 channel")
	}
}

const rssDoc = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Example Feed</title>
<item><title>Hello</title><guid>g1</guid><link>https://example.com/1</link>
<description><![CDATA[<p>Body <b>one</b></p>]]></description>
<pubDate>Fri, 01 Mar 2024 10:00:00 GMT</pubDate></item>
<item><title>Undated</title><guid>g2</guid></item>
</channel></rss>`

func TestFeedParsesItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	ref, err := ParseRef("rss:" + srv.URL + "/feed")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	meta, items, err := NewFeed("", 0, logx.Nop()).Fetch(context.Background(), ref, time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if meta.Title != "Example Feed" {
		t.Fatalf("title = %q", meta.Title)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1 (undated entry skipped)", len(items))
	}
	it := items[0]
	if it.ItemID != "g1" || it.Text != "Hello\n\nBody one" || !it.Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("item = %+v", it)
	}
}

type fakeProvider struct {
	title string
	items map[string][]Item
	fail  map[string]error
}

func (p *fakeProvider) Fetch(_ context.Context, ref Ref, _, _ time.Time) (Meta, []Item, error) {
	if err := p.fail[ref.ID]; err != nil {
		return Meta{}, nil, err
	}
	return Meta{Title: p.title + ref.ID}, p.items[ref.ID], nil
}

type fakeCache struct {
	mu   sync.Mutex
	seen map[string]string
}

func (c *fakeCache) PutSource(_ context.Context, s storage.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]string{}
	}
	c.seen[s.ID] = s.Title
	return nil
}

func TestFetcherFiltersAndOrders(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	at := func(h int) time.Time { return start.Add(time.Duration(h) * time.Hour) }

	tg := &fakeProvider{
		title: "T:",
		items: map[string][]Item{
			"@a": {
				{ItemID: "3", Timestamp: at(5), Text: "later"},
				{ItemID: "1", Timestamp: at(1), Text: "earlier"},
				{ItemID: "0", Timestamp: start.Add(-time.Second), Text: "before window"},
				{ItemID: "9", Timestamp: end, Text: "at end is excluded"},
				{ItemID: "4", Timestamp: at(2), Text: "   "},
				{ItemID: "5", Timestamp: at(3), Text: "forward", IsForward: true},
				{ItemID: "6", Timestamp: at(4), Text: "done before"},
			},
		},
		fail: map[string]error{"@broken": errors.New("boom")},
	}
	feed := &fakeProvider{
		title: "F:",
		items: map[string][]Item{"https://x.test/rss": {{ItemID: "r1", Timestamp: at(0), Text: "feed"}}},
	}
	cache := &fakeCache{}
	f := NewFetcher(tg, feed, cache, logx.Nop())

	processed := storage.KeySet{}
	processed.Add(storage.ItemKey{SourceID: "@a", ItemID: "6"})

	res, err := f.Fetch(context.Background(), Request{
		Sources:   []string{"@a", "@broken", "https://x.test/rss"},
		Start:     start,
		End:       end,
		Processed: processed,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var got []string
	for _, it := range res.Items {
		got = append(got, it.SourceID+"/"+it.ItemID)
	}
	want := "@a/1,@a/3,https://x.test/rss/r1"
	if strings.Join(got, ",") != want {
		t.Fatalf("items = %v, want %s", got, want)
	}
	if res.Sources != 2 || len(res.Failed) != 1 || res.Failed[0] != "@broken" {
		t.Fatalf("result = %+v", res)
	}
	if res.Items[0].SourceTitle != "T:@a" {
		t.Fatalf("source title = %q", res.Items[0].SourceTitle)
	}
	if cache.seen["@a"] != "T:@a" || cache.seen["https://x.test/rss"] != "F:https://x.test/rss" {
		t.Fatalf("cache = %v", cache.seen)
	}

	res, err = f.Fetch(context.Background(), Request{
		Sources:         []string{"@a"},
		Start:           start,
		End:             end,
		IncludeForwards: true,
		MaxMessages:     3,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Items) != 3 || res.Items[1].ItemID != "5" || res.Items[2].ItemID != "6" {
		t.Fatalf("capped items = %+v", res.Items)
	}
}

func TestFetcherAllSourcesFailed(t *testing.T) {
	t.Parallel()

	tg := &fakeProvider{fail: map[string]error{"@x": errors.New("down")}}
	f := NewFetcher(tg, nil, nil, logx.Nop())
	now := time.Now()
	if _, err := f.Fetch(context.Background(), Request{Sources: []string{"@x", "https://no.provider/rss"}, Start: now.Add(-time.Hour), End: now}); err == nil {
		t.Fatalf("expected error when every source fails")
	}
	if _, err := f.Fetch(context.Background(), Request{Sources: []string{"@x"}, Start: now, End: now}); err == nil {
		t.Fatalf("expected error for empty window")
	}
}
