package source

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind selects the provider for a source.
type Kind string

const (
	KindTelegram Kind = "telegram"
	KindFeed     Kind = "feed"
)

// Ref is a parsed source entry from a subscription.
type Ref struct {
	Kind Kind
	// ID is the stable source id stored with processed items: "@channel"
	// for Telegram, the feed URL otherwise.
	ID string
	// Name is the bare channel name (Telegram only).
	Name string
	URL  string
}

// ParseRef accepts "@channel", "t.me/channel", "https://t.me/channel",
// "rss:<url>" and plain http(s) feed URLs.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("empty source")
	}
	if rest, ok := strings.CutPrefix(s, "rss:"); ok {
		return feedRef(strings.TrimSpace(rest))
	}
	if name, ok := strings.CutPrefix(s, "@"); ok {
		return telegramRef(name)
	}
	if strings.HasPrefix(s, "t.me/") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		// A bare word is a channel name.
		if !strings.ContainsAny(s, "/:.") {
			return telegramRef(s)
		}
		return Ref{}, fmt.Errorf("unrecognized source %q", s)
	}
	if u.Host == "t.me" || u.Host == "telegram.me" {
		p := strings.Trim(u.Path, "/")
		p = strings.TrimPrefix(p, "s/")
		if i := strings.IndexByte(p, '/'); i >= 0 {
			p = p[:i]
		}
		return telegramRef(p)
	}
	return feedRef(s)
}

func telegramRef(name string) (Ref, error) {
	name = strings.TrimSpace(strings.TrimPrefix(name, "@"))
	if name == "" {
		return Ref{}, fmt.Errorf("empty channel name")
	}
	for _, r := range name {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return Ref{}, fmt.Errorf("invalid channel name %q", name)
		}
	}
	return Ref{Kind: KindTelegram, ID: "@" + name, Name: name}, nil
}

func feedRef(raw string) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Ref{}, fmt.Errorf("invalid feed url %q", raw)
	}
	return Ref{Kind: KindFeed, ID: raw, URL: raw}, nil
}
