package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"digestbot/internal/storage"
	"digestbot/pkg/logx"
)

// SourceCache records source titles seen during fetches.
type SourceCache interface {
	PutSource(ctx context.Context, s storage.Source) error
}

// Request describes one fetch over a subscription's sources.
type Request struct {
	Sources []string
	// Window is [Start, End).
	Start, End time.Time
	// Processed items are skipped.
	Processed       storage.KeySet
	MaxMessages     int
	IncludeForwards bool
}

// Result is what Fetch collected.
type Result struct {
	Items []Item
	// Sources counts the sources that returned at least one item.
	Sources int
	Failed  []string
}

// DefaultConcurrency bounds parallel source fetches.
const DefaultConcurrency = 4

// Fetcher fans a request out to the provider for each source kind.
type Fetcher struct {
	providers   map[Kind]Provider
	cache       SourceCache
	concurrency int
	log         logx.Logger
}

func NewFetcher(telegram, feed Provider, cache SourceCache, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := map[Kind]Provider{}
	if telegram != nil {
		p[KindTelegram] = telegram
	}
	if feed != nil {
		p[KindFeed] = feed
	}
	return &Fetcher{providers: p, cache: cache, concurrency: DefaultConcurrency, log: log}
}

type sourceResult struct {
	ref   Ref
	meta  Meta
	items []Item
	err   error
}

// Fetch collects items from every source. A failing source is logged and
// skipped; Fetch itself only fails when every source failed or the context
// is done. Items are ordered by source (config order) then timestamp, and
// capped at MaxMessages.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	if !req.Start.Before(req.End) {
		return Result{}, fmt.Errorf("empty fetch window %s..%s", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}
	results := make([]sourceResult, len(req.Sources))
	sem := make(chan struct{}, max(1, f.concurrency))
	var wg sync.WaitGroup
	for i, raw := range req.Sources {
		ref, err := ParseRef(raw)
		if err != nil {
			results[i] = sourceResult{ref: Ref{ID: raw}, err: err}
			continue
		}
		p, ok := f.providers[ref.Kind]
		if !ok {
			results[i] = sourceResult{ref: ref, err: fmt.Errorf("no provider for %s sources", ref.Kind)}
			continue
		}
		wg.Add(1)
		go func(i int, ref Ref, p Provider) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = sourceResult{ref: ref, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			meta, items, err := p.Fetch(ctx, ref, req.Start, req.End)
			results[i] = sourceResult{ref: ref, meta: meta, items: items, err: err}
		}(i, ref, p)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, r := range results {
		if r.err != nil {
			f.log.Warn("source fetch failed", logx.String("source", r.ref.ID), logx.Err(r.err))
			res.Failed = append(res.Failed, r.ref.ID)
			continue
		}
		kept := f.filter(r, req)
		f.log.Info("source fetched", logx.String("source", r.ref.ID), logx.Int("seen", len(r.items)), logx.Int("kept", len(kept)))
		if len(kept) > 0 {
			res.Sources++
		}
		res.Items = append(res.Items, kept...)
		f.remember(ctx, r)
	}
	if len(req.Sources) > 0 && len(res.Failed) == len(req.Sources) {
		return res, fmt.Errorf("all %d sources failed", len(req.Sources))
	}
	if req.MaxMessages > 0 && len(res.Items) > req.MaxMessages {
		res.Items = res.Items[:req.MaxMessages]
	}
	return res, nil
}

func (f *Fetcher) filter(r sourceResult, req Request) []Item {
	seen := map[string]struct{}{}
	out := make([]Item, 0, len(r.items))
	for _, it := range r.items {
		it.SourceID = r.ref.ID
		if it.Timestamp.Before(req.Start) || !it.Timestamp.Before(req.End) {
			continue
		}
		if strings.TrimSpace(it.Text) == "" {
			continue
		}
		if it.IsForward && !req.IncludeForwards {
			continue
		}
		if req.Processed.Has(it.Key()) {
			continue
		}
		if _, dup := seen[it.ItemID]; dup {
			continue
		}
		seen[it.ItemID] = struct{}{}
		if it.SourceTitle == "" {
			it.SourceTitle = r.meta.Title
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (f *Fetcher) remember(ctx context.Context, r sourceResult) {
	if f.cache == nil || r.meta.Title == "" {
		return
	}
	err := f.cache.PutSource(ctx, storage.Source{ID: r.ref.ID, Title: r.meta.Title, Kind: string(r.ref.Kind), LastUpdated: time.Now()})
	if err != nil {
		f.log.Debug("source cache update failed", logx.String("source", r.ref.ID), logx.Err(err))
	}
}
