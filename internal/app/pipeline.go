package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"digestbot/internal/cluster"
	"digestbot/internal/config"
	"digestbot/internal/digest"
	"digestbot/internal/notifier"
	"digestbot/internal/source"
	"digestbot/internal/storage"
	"digestbot/internal/task/scheduler"
	"digestbot/pkg/logx"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrNoArticles fails a run whose clusters all failed to generate, so the
	// window is retried instead of being marked processed.
	ErrNoArticles = errors.New("no articles generated")
)

// Report summarizes one pipeline run.
type Report struct {
	RunID            string
	SubscriptionID   string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Items            int
	Filtered         int
	FailedSources    []string
	Clusters         int
	Articles         int
	HTMLPath         string
	Delivered        int
	DeliveryFailures int
	Usage            digest.TokenUsage
}

// RunOnce runs the pipeline for one subscription using the current config.
func (a *App) RunOnce(ctx context.Context, id string) (*Report, error) {
	cfg := a.cfgm.Get()
	sub, ok := cfg.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubscription, id)
	}
	return a.run(ctx, id, sub, "")
}

// RunAll runs every subscription once, in id order. A failing subscription
// doesn't stop the others; the failures are joined.
func (a *App) RunAll(ctx context.Context) ([]*Report, error) {
	cfg := a.cfgm.Get()
	var (
		reports []*Report
		errs    []error
	)
	for _, id := range cfg.SubscriptionIDs() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep, err := a.run(ctx, id, cfg.Subscriptions[id], "")
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return reports, errors.Join(errs...)
}

// runScheduled is the scheduler callback.
func (a *App) runScheduled(ctx context.Context, b scheduler.Binding, slot string) error {
	_, err := a.run(ctx, b.ID, b.Subscription, slot)
	return err
}

func (a *App) runLock(id string) *sync.Mutex {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	mu, ok := a.runLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		a.runLocks[id] = mu
	}
	return mu
}

type window struct {
	start, end time.Time
	processed  storage.KeySet
}

// run executes window -> fetch -> cluster -> generate -> deliver -> mark
// processed -> complete. Any failure before completion marks the run failed;
// delivery failures are only logged.
func (a *App) run(ctx context.Context, id string, sub config.Subscription, slot string) (*Report, error) {
	mu := a.runLock(id)
	mu.Lock()
	defer mu.Unlock()

	log := a.log.With(logx.String("subscription", id))
	sch, err := scheduler.ParseSchedule(sub.Schedule)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, err)
	}
	w, err := a.window(ctx, id, sch, slot)
	if err != nil {
		return nil, err
	}

	runID, err := a.store.StartRun(ctx, w.start, w.end, id)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	rep := &Report{RunID: runID, SubscriptionID: id, PeriodStart: w.start, PeriodEnd: w.end}
	log = log.With(logx.String("run_id", runID))
	log.Info("run started", logx.Time("period_start", w.start), logx.Time("period_end", w.end), logx.Int("processed_known", len(w.processed)))

	started := time.Now()
	n, err := a.execute(ctx, log, id, sub, w, rep)
	// The outcome is recorded even when ctx was canceled mid-run.
	rec := context.WithoutCancel(ctx)
	if err != nil {
		if cerr := a.store.CompleteRun(rec, runID, n, err.Error()); cerr != nil {
			log.Error("recording failed run", logx.Err(cerr))
		}
		log.Error("run failed", logx.Err(err), logx.Duration("took", time.Since(started)))
		return rep, err
	}
	if err := a.store.CompleteRun(rec, runID, n, ""); err != nil {
		return rep, fmt.Errorf("complete run: %w", err)
	}
	log.Info("run completed",
		logx.Int("items", rep.Items),
		logx.Int("articles", rep.Articles),
		logx.Int("delivered", rep.Delivered),
		logx.Int("tokens", rep.Usage.TotalTokens),
		logx.Duration("took", time.Since(started)),
	)
	return rep, nil
}

// window computes the fetch window. In since_last mode a window resumes at
// the end of the last successful run and already processed items are
// skipped; explicit ranges always use their configured bounds.
func (a *App) window(ctx context.Context, id string, sch *scheduler.Schedule, slot string) (window, error) {
	now := a.now()
	start, end := scheduler.Window(sch, slot, now)
	w := window{start: start, end: end}

	if a.cfgm.Get().State.Mode != config.ModeSinceLast {
		return w, nil
	}
	if sch.Mode() != scheduler.ModeRange {
		last, ok, err := a.store.LastSuccessfulRun(ctx, id)
		if err != nil {
			return window{}, fmt.Errorf("last successful run: %w", err)
		}
		if ok && last.End.Before(w.end) {
			w.start = last.End
		}
	}
	processed, err := a.store.ProcessedItemIDs(ctx, id)
	if err != nil {
		return window{}, fmt.Errorf("processed items: %w", err)
	}
	w.processed = processed
	return w, nil
}

// execute returns the number of items the run consumed.
func (a *App) execute(ctx context.Context, log logx.Logger, id string, sub config.Subscription, w window, rep *Report) (int, error) {
	proc := sub.EffectiveProcessing()
	res, err := a.fetcher.Fetch(ctx, source.Request{
		Sources:         sub.Sources,
		Start:           w.start,
		End:             w.end,
		Processed:       w.processed,
		MaxMessages:     proc.MaxMessages,
		IncludeForwards: *proc.IncludeForwards,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	items := res.Items
	rep.Items = len(items)
	rep.FailedSources = res.Failed
	if len(items) == 0 {
		log.Warn("no new items to process")
		return 0, nil
	}

	ed, tracker := a.editors(sub.Output.Sections)
	work := items
	if proc.FilterContent {
		keep, trash := ed.Filter(ctx, items)
		rep.Filtered = len(trash)
		log.Info("content filtered", logx.Int("kept", len(keep)), logx.Int("dropped", len(trash)))
		work = keep
	}

	if len(work) > 0 {
		clusters := cluster.New(ed, ed, log.With(logx.String("comp", "cluster"))).Cluster(ctx, work, proc.ClusteringBatchSize)
		rep.Clusters = len(clusters)
		articles := digest.NewGenerator(ed, log.With(logx.String("comp", "digest"))).Generate(ctx, clusters, proc.MinSourcesForArticle, digest.Style{
			Language:      sub.Output.Language,
			NewspaperName: sub.Output.NewspaperName,
		})
		rep.Articles = len(articles)
		rep.Usage = digest.TokenUsage(tracker.Usage())
		if len(clusters) > 0 && len(articles) == 0 {
			return len(items), ErrNoArticles
		}
		if err := a.publish(ctx, log, id, sub, w, work, articles, rep); err != nil {
			return len(items), err
		}
	}

	keys := make([]storage.ItemKey, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key())
	}
	if err := a.store.MarkProcessed(ctx, rep.RunID, keys, id); err != nil {
		return len(items), fmt.Errorf("mark processed: %w", err)
	}
	return len(items), nil
}

// publish renders the edition and hands it to the deliverer.
func (a *App) publish(ctx context.Context, log logx.Logger, id string, sub config.Subscription, w window, items []source.Item, articles []*digest.Article, rep *Report) error {
	paper := digest.Assemble(digest.Edition{
		Output:      sub.Output,
		PeriodStart: w.start,
		PeriodEnd:   w.end,
		Items:       items,
		Usage:       rep.Usage,
		Now:         a.now(),
	}, articles)

	var (
		html []byte
		name string
		err  error
	)
	if sub.Output.SaveHTML {
		var path string
		path, html, err = a.renderer.Save(sub.Output.HTMLPath, paper)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		rep.HTMLPath = path
		name = filepath.Base(path)
		log.Info("edition saved", logx.String("path", path))
	} else {
		html, err = a.renderer.HTML(paper)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		name = fmt.Sprintf("%s_%s.html", id, paper.EditionDate.Format("2006-01-02_1504"))
	}

	d := notifier.Delivery{Subscription: id, Newspaper: paper, HTML: html, HTMLName: name}
	if sub.Output.SendTelegram {
		d.ChatIDs = sub.Output.TelegramChatIDs
	}
	if sub.Output.SendEmail {
		d.EmailTo = sub.Output.EmailTo
	}
	if len(d.ChatIDs) == 0 && len(d.EmailTo) == 0 {
		return nil
	}
	if a.deliver == nil {
		log.Warn("delivery requested but no channel is configured")
		return nil
	}
	for _, r := range a.deliver.Deliver(ctx, d) {
		if r.Err != nil {
			rep.DeliveryFailures++
		} else {
			rep.Delivered++
		}
	}
	return nil
}
