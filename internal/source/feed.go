package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"digestbot/pkg/logx"
)

// Feed reads RSS and Atom feeds.
type Feed struct {
	parser  *gofeed.Parser
	timeout time.Duration
	log     logx.Logger
}

func NewFeed(userAgent string, timeout time.Duration, log logx.Logger) *Feed {
	if log.IsZero() {
		log = logx.Nop()
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := gofeed.NewParser()
	p.UserAgent = userAgent
	p.Client = &http.Client{Timeout: timeout}
	return &Feed{parser: p, timeout: timeout, log: log}
}

func (f *Feed) Fetch(ctx context.Context, ref Ref, _, _ time.Time) (Meta, []Item, error) {
	if ref.Kind != KindFeed {
		return Meta{}, nil, fmt.Errorf("feed: unsupported source kind %q", ref.Kind)
	}
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	parsed, err := f.parser.ParseURLWithContext(ref.URL, pctx)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("parse %s: %w", ref.URL, err)
	}

	meta := Meta{Title: strings.TrimSpace(parsed.Title)}
	if meta.Title == "" {
		meta.Title = ref.ID
	}
	out := make([]Item, 0, len(parsed.Items))
	for _, e := range parsed.Items {
		it, ok := feedItem(ref, e)
		if !ok {
			f.log.Debug("feed entry without date skipped", logx.String("source", ref.ID), logx.String("title", e.Title))
			continue
		}
		out = append(out, it)
	}
	return meta, out, nil
}

func feedItem(ref Ref, e *gofeed.Item) (Item, bool) {
	var at time.Time
	switch {
	case e.PublishedParsed != nil:
		at = *e.PublishedParsed
	case e.UpdatedParsed != nil:
		at = *e.UpdatedParsed
	default:
		return Item{}, false
	}

	id := strings.TrimSpace(e.GUID)
	if id == "" {
		id = e.Link
	}
	if id == "" {
		h := sha256.Sum256([]byte(e.Title + "|" + at.String()))
		id = fmt.Sprintf("%x", h[:8])
	}

	body := e.Content
	if strings.TrimSpace(body) == "" {
		body = e.Description
	}
	text := strings.TrimSpace(e.Title)
	if plain := htmlText(body); plain != "" && plain != text {
		if text != "" {
			text += "\n\n"
		}
		text += plain
	}

	it := Item{
		SourceID:  ref.ID,
		ItemID:    id,
		Timestamp: at.UTC(),
		Text:      text,
		Link:      e.Link,
	}
	if e.Link != "" {
		it.Links = []string{e.Link}
	}
	if e.Image != nil && e.Image.URL != "" {
		it.Media = append(it.Media, Media{Type: "photo", URL: e.Image.URL, Caption: e.Image.Title})
	}
	for _, enc := range e.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		typ := "document"
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			typ = "photo"
		case strings.HasPrefix(enc.Type, "video/"):
			typ = "video"
		}
		it.Media = append(it.Media, Media{Type: typ, URL: enc.URL})
	}
	return it, true
}

// htmlText flattens an HTML fragment to text.
func htmlText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p").Each(func(_ int, p *goquery.Selection) { p.AppendHtml("\n") })
	return strings.TrimSpace(doc.Text())
}
