package llm

import (
	"context"
	"fmt"
	"strings"

	"digestbot/internal/cluster"
	"digestbot/internal/digest"
	"digestbot/internal/source"
	"digestbot/pkg/logx"
)

// Editor is the LLM-backed newsroom: it classifies, merges, filters and
// writes. It implements cluster.Classifier, cluster.Merger and
// digest.Writer.
type Editor struct {
	c        *Client
	sections []string
	log      logx.Logger
}

// NewEditor binds a client to a subscription's section list.
func NewEditor(c *Client, sections []string, log logx.Logger) *Editor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Editor{c: c, sections: sections, log: log}
}

var (
	_ cluster.Classifier = (*Editor)(nil)
	_ cluster.Merger     = (*Editor)(nil)
	_ digest.Writer      = (*Editor)(nil)
)

func (e *Editor) Classify(ctx context.Context, items []source.Item) ([]cluster.Topic, error) {
	var resp clusteringResponse
	if err := e.c.CompleteJSON(ctx, clusteringPrompt(items, e.sections), &resp); err != nil {
		return nil, fmt.Errorf("classify %d items: %w", len(items), err)
	}
	return resp.topics()
}

func (e *Editor) Merge(ctx context.Context, sums []cluster.Summary) (cluster.MergePlan, error) {
	var resp mergeResponse
	if err := e.c.CompleteJSON(ctx, mergePrompt(sums), &resp); err != nil {
		return cluster.MergePlan{}, fmt.Errorf("merge %d clusters: %w", len(sums), err)
	}
	return resp.plan()
}

// Write drafts an article for c. A missing headline becomes "Untitled"; an
// empty body is an error.
func (e *Editor) Write(ctx context.Context, c *cluster.MessageCluster, style digest.Style) (digest.Draft, error) {
	var resp articleResponse
	if err := e.c.CompleteJSON(ctx, articlePrompt(c, style.Language, style.NewspaperName), &resp); err != nil {
		return digest.Draft{}, fmt.Errorf("write article for %s: %w", c.ID, err)
	}
	body := strings.TrimSpace(resp.Body)
	if body == "" {
		return digest.Draft{}, fmt.Errorf("%w: empty article body for %s", ErrMalformedResponse, c.ID)
	}
	d := digest.Draft{Headline: strings.TrimSpace(resp.Headline), Body: body}
	if d.Headline == "" {
		d.Headline = "Untitled"
	}
	if resp.Subheadline != nil {
		d.Subheadline = strings.TrimSpace(*resp.Subheadline)
	}
	if resp.StanceSummary != nil {
		d.StanceSummary = strings.TrimSpace(*resp.StanceSummary)
	}
	return d, nil
}

// FilterBatchSize bounds the items sent per filter call.
const FilterBatchSize = 100

// Filter splits items into kept and dropped. A batch whose call fails is
// kept whole, and items the model doesn't classify are kept.
func (e *Editor) Filter(ctx context.Context, items []source.Item) (keep, trash []source.Item) {
	for lo := 0; lo < len(items); lo += FilterBatchSize {
		hi := min(lo+FilterBatchSize, len(items))
		batch := items[lo:hi]

		var resp filterResponse
		if err := e.c.CompleteJSON(ctx, filterPrompt(batch), &resp); err != nil {
			e.log.Warn("content filter failed; keeping batch", logx.Int("items", len(batch)), logx.Err(err))
			keep = append(keep, batch...)
			continue
		}
		legit := make(map[int]bool, len(resp.Legitimate))
		for _, i := range resp.Legitimate {
			legit[i] = true
		}
		bad := make(map[int]bool, len(resp.Trash))
		for _, i := range resp.Trash {
			bad[i] = true
		}
		unclassified := 0
		for i, it := range batch {
			switch pos := i + 1; {
			case legit[pos]:
				keep = append(keep, it)
			case bad[pos]:
				trash = append(trash, it)
			default:
				unclassified++
				keep = append(keep, it)
			}
		}
		if unclassified > 0 {
			e.log.Debug("content filter left items unclassified", logx.Int("items", unclassified))
		}
	}
	if len(items) > 0 {
		e.log.Info("content filtered", logx.Int("kept", len(keep)), logx.Int("dropped", len(trash)))
	}
	return keep, trash
}
