package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"digestbot/internal/cluster"
	"digestbot/internal/config"
	"digestbot/internal/digest"
	"digestbot/internal/llm"
	"digestbot/internal/notifier"
	"digestbot/internal/observability/status"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/source"
	"digestbot/internal/storage"
	"digestbot/internal/task/scheduler"
	"digestbot/pkg/logx"
)

// Fetcher collects a subscription's items for a window.
type Fetcher interface {
	Fetch(ctx context.Context, req source.Request) (source.Result, error)
}

// Editor is the LLM side of a run.
type Editor interface {
	cluster.Classifier
	cluster.Merger
	digest.Writer
	Filter(ctx context.Context, items []source.Item) (keep, trash []source.Item)
}

// EditorFactory returns an editor for one run together with the tracker
// that accumulates the run's token usage.
type EditorFactory func(sections []string) (Editor, *llm.Tracker)

// Deliverer sends finished editions and remembers the outcomes.
type Deliverer interface {
	Deliver(ctx context.Context, d notifier.Delivery) []notifier.Result
	Snapshot() []notifier.HistoryItem
}

// Deps are the collaborators an App is built from.
type Deps struct {
	Store    storage.Store
	Fetcher  Fetcher
	Editors  EditorFactory
	Renderer *digest.Renderer
	Deliver  Deliverer
	Now      func() time.Time
}

// Options tune NewApp from the command line.
type Options struct {
	// LogLevel overrides logging.level, including after a reload.
	LogLevel string
}

// App is the digest daemon. It owns the store, the shared collaborators and
// one scheduler per recurring subscription.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log      logx.Logger
	logs     *logx.Service
	logLevel string

	store    storage.Store
	fetcher  Fetcher
	editors  EditorFactory
	renderer *digest.Renderer
	deliver  Deliverer
	status   *status.Service
	now      func() time.Time

	schedMu sync.Mutex
	scheds  map[string]*scheduler.Scheduler

	// runLocks keeps a subscription to one pipeline at a time, including
	// across a reload that replaces its scheduler.
	runMu    sync.Mutex
	runLocks map[string]*sync.Mutex

	closeOnce sync.Once
}

// NewApp loads the config at cfgPath and builds every component from it.
func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg, opts.LogLevel), nil)
	log = log.With(logx.String("comp", "app"))

	tg, channels, err := buildChannels(cfg, log.With(logx.String("comp", "notifier")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if tg != nil {
		logSvc.SetSender(tg)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	lc, err := mapLLMConfig(cfg)
	if err != nil {
		return fail(err)
	}
	client := llm.New(lc, log.With(logx.String("comp", "llm")))

	web, err := mapWebOptions(cfg)
	if err != nil {
		return fail(err)
	}
	fetchLog := log.With(logx.String("comp", "fetch"))
	fetcher := source.NewFetcher(
		source.NewTelegramWeb(web, fetchLog),
		source.NewFeed(web.UserAgent, web.Timeout, fetchLog),
		store,
		fetchLog,
	)

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return fail(err)
	}
	renderer, err := digest.NewRenderer(loc)
	if err != nil {
		return fail(err)
	}

	deliver := notifier.New(log.With(logx.String("comp", "notifier")), channels...)
	log.Info("delivery channels", logx.Any("channels", deliver.Channels()))

	editorLog := log.With(logx.String("comp", "editor"))
	a := newApp(cfgm, Deps{
		Store:   store,
		Fetcher: fetcher,
		Editors: func(sections []string) (Editor, *llm.Tracker) {
			tr := &llm.Tracker{}
			return llm.NewEditor(client.WithTracker(tr), sections, editorLog), tr
		},
		Renderer: renderer,
		Deliver:  deliver,
	}, log)
	a.logs = logSvc
	a.logLevel = opts.LogLevel
	a.status = status.New(mapStatusConfig(cfg), a, log.With(logx.String("comp", "status")))
	return a, nil
}

func newApp(cfgm *config.Manager, d Deps, log logx.Logger) *App {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		cfgm:     cfgm,
		log:      log,
		store:    d.Store,
		fetcher:  d.Fetcher,
		editors:  d.Editors,
		renderer: d.Renderer,
		deliver:  d.Deliver,
		now:      now,
		scheds:   map[string]*scheduler.Scheduler{},
		runLocks: map[string]*sync.Mutex{},
	}
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches one scheduler per recurring subscription, the config
// watcher and the optional status server.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return errors.New("app: no config loaded")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		for _, id := range c.SubscriptionIDs() {
			if _, err := scheduler.ParseSchedule(c.Subscriptions[id].Schedule); err != nil {
				return fmt.Errorf("subscriptions.%s.schedule: %w", id, err)
			}
		}
		if _, err := loadLocation(c.Timezone); err != nil {
			return err
		}
		return nil
	})

	n := a.applySubscriptions(cfg)
	if n == 0 {
		a.log.Warn("no recurring subscriptions; daemon will idle until the config changes")
	}

	if a.status != nil && a.status.Enabled() {
		a.status.Start(a.sup.Context())
	}

	// hot reload
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("daemon started", logx.Int("schedulers", n))
	return nil
}

func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	if prev.State.Path != next.State.Path || prev.State.BusyTimeout != next.State.BusyTimeout {
		a.log.Warn("state storage changed; restart required for changes to take effect")
	}
	if prev.LLM != next.LLM || prev.Fetch != next.Fetch || prev.Telegram != next.Telegram {
		a.log.Warn("llm/fetch/telegram config changed; restart required for changes to take effect")
	}
	if a.logs != nil {
		a.logs.Apply(logConfig(next, a.logLevel))
	}
	if a.status != nil {
		a.status.Reconfigure(ctx, mapStatusConfig(next))
	}
	n := a.applySubscriptions(next)
	a.log.Info("config applied", logx.Int("schedulers", n))
}

// Stop cancels the daemon, waits for every scheduler to confirm its stop,
// then releases the store and log sinks. It is safe to call on an App that
// was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Schedulers let an in-flight run finish; there is no upper bound
	// beyond the caller's ctx, the store must outlive every run.
	step("schedulers", 0, a.stopSchedulers)
	step("status", 2*time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.store != nil {
			err = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return err
}

// ---- status.Provider ----

func (a *App) Schedules() []scheduler.Snapshot {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	ids := make([]string, 0, len(a.scheds))
	for id := range a.scheds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]scheduler.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.scheds[id].Snapshot())
	}
	return out
}

func (a *App) Runs(ctx context.Context, f storage.RunFilter) ([]storage.Run, error) {
	return a.store.ListRuns(ctx, f)
}

func (a *App) Deliveries() []notifier.HistoryItem {
	if a.deliver == nil {
		return nil
	}
	return a.deliver.Snapshot()
}
