package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"digestbot/pkg/logx"
)

const (
	DefaultWebBaseURL = "https://t.me"
	DefaultMaxPages   = 10
	DefaultUserAgent  = "digestbot/1.0"
	defaultTimeout    = 20 * time.Second
)

// Meta describes a source as seen during a fetch.
type Meta struct {
	Title string
}

// Provider fetches the items of one source published in [start, end).
// Items may be returned in any order and may include items outside the
// window; the Fetcher filters them.
type Provider interface {
	Fetch(ctx context.Context, ref Ref, start, end time.Time) (Meta, []Item, error)
}

// TelegramWeb reads public channels through the t.me/s/<channel> preview
// pages, paging backwards with ?before=<id>.
type TelegramWeb struct {
	client   *http.Client
	base     string
	ua       string
	maxPages int
	limiter  *rate.Limiter
	log      logx.Logger
}

type WebOptions struct {
	BaseURL   string
	UserAgent string
	MaxPages  int
	Timeout   time.Duration
	// PageInterval spaces out page requests; zero disables pacing.
	PageInterval time.Duration
}

func NewTelegramWeb(opts WebOptions, log logx.Logger) *TelegramWeb {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultWebBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.PageInterval > 0 {
		lim = rate.NewLimiter(rate.Every(opts.PageInterval), 1)
	}
	return &TelegramWeb{
		client:   &http.Client{Timeout: opts.Timeout},
		base:     strings.TrimRight(opts.BaseURL, "/"),
		ua:       opts.UserAgent,
		maxPages: opts.MaxPages,
		limiter:  lim,
		log:      log,
	}
}

func (t *TelegramWeb) Fetch(ctx context.Context, ref Ref, start, end time.Time) (Meta, []Item, error) {
	if ref.Kind != KindTelegram {
		return Meta{}, nil, fmt.Errorf("telegram web: unsupported source kind %q", ref.Kind)
	}
	var (
		meta   Meta
		out    []Item
		before int64
	)
	for page := 0; page < t.maxPages; page++ {
		doc, err := t.page(ctx, ref.Name, before)
		if err != nil {
			if page > 0 {
				t.log.Warn("channel paging stopped early", logx.String("source", ref.ID), logx.Int("page", page), logx.Err(err))
				break
			}
			return Meta{}, nil, err
		}
		if meta.Title == "" {
			meta.Title = strings.TrimSpace(doc.Find(".tgme_channel_info_header_title").First().Text())
		}

		items, oldest := parsePosts(doc, ref, t.base)
		out = append(out, items...)
		if len(items) == 0 || oldest.id <= 1 {
			break
		}
		if !oldest.at.IsZero() && oldest.at.Before(start) {
			break
		}
		if before != 0 && oldest.id >= before {
			// No progress; the page did not honour ?before=.
			break
		}
		before = oldest.id
	}
	if meta.Title == "" {
		meta.Title = ref.ID
	}
	return meta, out, nil
}

func (t *TelegramWeb) page(ctx context.Context, name string, before int64) (*goquery.Document, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := t.base + "/s/" + url.PathEscape(name)
	if before > 0 {
		u += "?before=" + strconv.FormatInt(before, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.ua)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel page %s returned %s", name, resp.Status)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse channel page: %w", err)
	}
	return doc, nil
}

type postMark struct {
	id int64
	at time.Time
}

var (
	bgImageExpr = regexp.MustCompile(`background-image:\s*url\(['"]?([^'")]+)['"]?\)`)
	urlExpr     = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// parsePosts extracts every post on a preview page and reports the oldest
// post id seen, which is the cursor for the next page.
func parsePosts(doc *goquery.Document, ref Ref, base string) ([]Item, postMark) {
	var (
		items  []Item
		oldest postMark
	)
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		post, _ := s.Attr("data-post")
		idStr := post[strings.LastIndexByte(post, '/')+1:]
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return
		}
		var at time.Time
		if dt, ok := s.Find(".tgme_widget_message_date time[datetime]").First().Attr("datetime"); ok {
			at, _ = time.Parse(time.RFC3339, dt)
		}
		if oldest.id == 0 || id < oldest.id {
			oldest = postMark{id: id, at: at}
		}
		if at.IsZero() {
			return
		}

		textSel := s.Find(".tgme_widget_message_text").First()
		textSel.Find("br").ReplaceWithHtml("\n")
		text := strings.TrimSpace(textSel.Text())

		it := Item{
			SourceID:  ref.ID,
			ItemID:    idStr,
			Timestamp: at.UTC(),
			Text:      text,
			Link:      base + "/" + post,
		}
		if fwd := s.Find(".tgme_widget_message_forwarded_from"); fwd.Length() > 0 {
			it.IsForward = true
			it.ForwardFrom = strings.TrimSpace(fwd.Find(".tgme_widget_message_forwarded_from_name").First().Text())
		}
		textSel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok && strings.HasPrefix(href, "http") {
				it.Links = append(it.Links, href)
			}
		})
		if len(it.Links) == 0 {
			it.Links = urlExpr.FindAllString(text, -1)
		}
		s.Find(".tgme_widget_message_photo_wrap").Each(func(_ int, p *goquery.Selection) {
			style, _ := p.Attr("style")
			m := bgImageExpr.FindStringSubmatch(style)
			if m == nil {
				return
			}
			it.Media = append(it.Media, Media{Type: "photo", URL: m[1]})
		})
		s.Find("video[src]").Each(func(_ int, v *goquery.Selection) {
			src, _ := v.Attr("src")
			it.Media = append(it.Media, Media{Type: "video", URL: src})
		})
		items = append(items, it)
	})
	return items, oldest
}
