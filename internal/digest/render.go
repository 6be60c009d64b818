package digest

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"digestbot/internal/cluster"
)

//go:embed newspaper.html.tmpl
var newspaperTmpl string

// Renderer renders editions in a fixed display location.
type Renderer struct {
	tmpl *template.Template
	loc  *time.Location
}

// NewRenderer parses the edition template. A nil loc renders in local time.
func NewRenderer(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.Local
	}
	funcs := template.FuncMap{
		"longDate": func(t time.Time) string { return t.In(loc).Format("January 2, 2006") },
		"stamp":    func(t time.Time) string { return t.In(loc).Format("Jan 2 15:04") },
		"isBrief":  func(name string) bool { return name == cluster.BriefSection },
		"join":     strings.Join,
		"body":     func(s string) template.HTML { return template.HTML(SanitizeBody(s)) },
	}
	t, err := template.New("newspaper").Funcs(funcs).Parse(newspaperTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse edition template: %w", err)
	}
	return &Renderer{tmpl: t, loc: loc}, nil
}

func (r *Renderer) HTML(n *Newspaper) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, n); err != nil {
		return nil, fmt.Errorf("render edition: %w", err)
	}
	return buf.Bytes(), nil
}

// Save renders n and writes it to the expanded path pattern, returning the
// final path.
func (r *Renderer) Save(pattern string, n *Newspaper) (string, []byte, error) {
	html, err := r.HTML(n)
	if err != nil {
		return "", nil, err
	}
	path, err := ExpandPath(pattern, n.EditionDate.In(r.loc))
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, html, 0o644); err != nil {
		return "", nil, fmt.Errorf("write edition: %w", err)
	}
	return path, html, nil
}

// ExpandPath expands a leading "~/" and the date verbs %Y %m %d %H %M %S
// and %%.
func ExpandPath(pattern string, t time.Time) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty output path")
	}
	if rest, ok := strings.CutPrefix(pattern, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		pattern = filepath.Join(home, rest)
	}
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i+1 == len(pattern) {
			b.WriteByte(c)
			continue
		}
		i++
		switch pattern[i] {
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'm':
			fmt.Fprintf(&b, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(pattern[i])
		}
	}
	return b.String(), nil
}

const droppedTags = "script, style, iframe, object, embed, form, link, meta, base"

// SanitizeBody strips active content from generated article HTML: script-like
// elements, inline event handlers and javascript: URLs.
func SanitizeBody(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<div id=\"root\">" + s + "</div>"))
	if err != nil {
		return template.HTMLEscapeString(s)
	}
	root := doc.Find("#root").First()
	root.Find(droppedTags).Remove()
	root.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, n := range sel.Nodes {
			kept := n.Attr[:0]
			for _, a := range n.Attr {
				key := strings.ToLower(a.Key)
				if strings.HasPrefix(key, "on") {
					continue
				}
				if (key == "href" || key == "src") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
					continue
				}
				kept = append(kept, a)
			}
			n.Attr = kept
		}
	})
	out, err := root.Html()
	if err != nil {
		return template.HTMLEscapeString(s)
	}
	return out
}

// PlainText renders the text alternative used by email.
func PlainText(n *Newspaper) string {
	rule := strings.Repeat("=", 60)
	lines := []string{n.Title}
	if n.Tagline != "" {
		lines = append(lines, n.Tagline)
	}
	lines = append(lines, n.EditionDate.Format("January 2, 2006"), "", rule, "")
	for _, s := range n.Sections {
		lines = append(lines, "", s.Name, strings.Repeat("-", len([]rune(s.Name))), "")
		for _, a := range s.Articles {
			lines = append(lines, "• "+a.Headline)
			if a.Subheadline != "" {
				lines = append(lines, "  "+a.Subheadline)
			}
			lines = append(lines, "")
		}
	}
	lines = append(lines,
		rule,
		"",
		fmt.Sprintf("%d articles from %d sources", n.ArticleCount(), n.SourcesTotal),
		"",
		"This is a plain text version. View the HTML version for the complete edition.",
	)
	return strings.Join(lines, "\n")
}
