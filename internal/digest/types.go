package digest

import (
	"context"
	"time"

	"digestbot/internal/cluster"
)

// Style carries the per-subscription editorial settings handed to a Writer.
type Style struct {
	Language      string
	NewspaperName string
}

// Draft is what a Writer produces for one cluster.
type Draft struct {
	Headline      string
	Subheadline   string
	Body          string
	StanceSummary string
}

// Writer turns a cluster into article text.
type Writer interface {
	Write(ctx context.Context, c *cluster.MessageCluster, style Style) (Draft, error)
}

type WriterFunc func(ctx context.Context, c *cluster.MessageCluster, style Style) (Draft, error)

func (f WriterFunc) Write(ctx context.Context, c *cluster.MessageCluster, style Style) (Draft, error) {
	return f(ctx, c, style)
}

// Article is one generated piece of the edition.
type Article struct {
	ID            string
	Headline      string
	Subheadline   string
	Body          string
	Type          cluster.ArticleType
	Section       string
	StanceSummary string
	Cluster       *cluster.MessageCluster
	GeneratedAt   time.Time
}

// Sources returns the distinct source titles cited by the article, in
// first-seen order.
func (a *Article) Sources() []string {
	if a.Cluster == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, it := range a.Cluster.Items {
		t := it.SourceTitle
		if t == "" {
			t = it.SourceID
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type Section struct {
	Name     string
	Articles []*Article
}

// TokenUsage is the LLM spend for one edition.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Calls            int `json:"api_calls"`
}

// Newspaper is one rendered edition.
type Newspaper struct {
	EditionID    string
	Title        string
	Tagline      string
	EditionDate  time.Time
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Language     string
	Sections     []*Section
	ItemsTotal   int
	SourcesTotal int
	Usage        TokenUsage
}

// ArticleCount counts articles over all sections.
func (n *Newspaper) ArticleCount() int {
	c := 0
	for _, s := range n.Sections {
		c += len(s.Articles)
	}
	return c
}
