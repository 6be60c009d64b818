// Package digest turns clusters into a sectioned edition and renders it.
package digest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"digestbot/internal/cluster"
	"digestbot/internal/config"
	"digestbot/internal/source"
	"digestbot/pkg/logx"
)

// DefaultConcurrency bounds parallel article writes.
const DefaultConcurrency = 4

type Generator struct {
	writer      Writer
	log         logx.Logger
	now         func() time.Time
	concurrency int
}

func NewGenerator(w Writer, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{writer: w, log: log, now: time.Now, concurrency: DefaultConcurrency}
}

// Generate writes one article per cluster. Clusters covered by fewer than
// minSources distinct sources are demoted to briefs in the brief section.
// Clusters whose article fails are dropped. Articles keep cluster order,
// full articles first.
func (g *Generator) Generate(ctx context.Context, clusters []*cluster.MessageCluster, minSources int, style Style) []*Article {
	var full, briefs []*cluster.MessageCluster
	for _, c := range clusters {
		if c.SourceCount() >= minSources {
			full = append(full, c)
			continue
		}
		c.Type = cluster.Brief
		c.Section = cluster.BriefSection
		briefs = append(briefs, c)
	}
	g.log.Info("generating articles", logx.Int("articles", len(full)), logx.Int("briefs", len(briefs)))

	ordered := append(full, briefs...)
	out := make([]*Article, len(ordered))
	sem := make(chan struct{}, max(1, g.concurrency))
	var wg sync.WaitGroup
	for i, c := range ordered {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c *cluster.MessageCluster) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = g.write(ctx, c, style)
		}(i, c)
	}
	wg.Wait()

	articles := make([]*Article, 0, len(out))
	for _, a := range out {
		if a != nil {
			articles = append(articles, a)
		}
	}
	g.log.Info("generated articles", logx.Int("count", len(articles)), logx.Int("failed", len(ordered)-len(articles)))
	return articles
}

func (g *Generator) write(ctx context.Context, c *cluster.MessageCluster, style Style) *Article {
	d, err := g.writer.Write(ctx, c, style)
	if err != nil {
		g.log.Warn("article generation failed", logx.String("cluster", c.ID), logx.Err(err))
		return nil
	}
	headline := d.Headline
	if headline == "" {
		headline = "Untitled"
	}
	return &Article{
		ID:            uuid.NewString(),
		Headline:      headline,
		Subheadline:   d.Subheadline,
		Body:          d.Body,
		Type:          c.Type,
		Section:       c.Section,
		StanceSummary: d.StanceSummary,
		Cluster:       c,
		GeneratedAt:   g.now(),
	}
}

// Sectionize groups articles by section. Sections listed in order come
// first in that order; any other section follows in first-seen order.
func Sectionize(articles []*Article, order []string) []*Section {
	by := map[string]*Section{}
	var seen []string
	for _, a := range articles {
		s, ok := by[a.Section]
		if !ok {
			s = &Section{Name: a.Section}
			by[a.Section] = s
			seen = append(seen, a.Section)
		}
		s.Articles = append(s.Articles, a)
	}

	out := make([]*Section, 0, len(by))
	listed := map[string]bool{}
	for _, name := range order {
		if listed[name] {
			continue
		}
		listed[name] = true
		if s, ok := by[name]; ok {
			out = append(out, s)
		}
	}
	for _, name := range seen {
		if !listed[name] {
			out = append(out, by[name])
		}
	}
	return out
}

// Edition describes the run an edition is built for.
type Edition struct {
	Output      config.Output
	PeriodStart time.Time
	PeriodEnd   time.Time
	Items       []source.Item
	Usage       TokenUsage
	Now         time.Time
}

// Assemble builds the newspaper for an edition.
func Assemble(e Edition, articles []*Article) *Newspaper {
	sources := map[string]struct{}{}
	for _, it := range e.Items {
		sources[it.SourceID] = struct{}{}
	}
	now := e.Now
	if now.IsZero() {
		now = time.Now()
	}
	return &Newspaper{
		EditionID:    uuid.NewString(),
		Title:        e.Output.NewspaperName,
		Tagline:      e.Output.Tagline,
		EditionDate:  now,
		PeriodStart:  e.PeriodStart,
		PeriodEnd:    e.PeriodEnd,
		Language:     e.Output.Language,
		Sections:     Sectionize(articles, e.Output.Sections),
		ItemsTotal:   len(e.Items),
		SourcesTotal: len(sources),
		Usage:        e.Usage,
	}
}
