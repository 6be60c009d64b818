package app

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"time"

	"digestbot/internal/config"
	"digestbot/internal/task/scheduler"
	"digestbot/pkg/logx"
)

// reloadStopTimeout bounds how long a reload waits for a replaced scheduler.
// A run still in flight keeps its subscription lock, so the replacement
// cannot overlap it.
const reloadStopTimeout = 5 * time.Second

// schedulable reports whether a schedule drives a loop. Lookback and range
// schedules are single-shot; a schedule without a mode runs on the hourly
// fallback.
func schedulable(s *scheduler.Schedule) bool {
	switch s.Mode() {
	case scheduler.ModeDaily, scheduler.ModeWeekly, scheduler.ModeNone:
		return true
	default:
		return false
	}
}

// applySubscriptions reconciles running schedulers with cfg. Schedulers of
// removed or changed subscriptions are stopped, new ones are started and
// unchanged ones keep running. It returns the number of active schedulers.
func (a *App) applySubscriptions(cfg *config.Config) int {
	type planned struct {
		sub config.Subscription
		sch *scheduler.Schedule
	}
	want := map[string]planned{}
	for _, id := range cfg.SubscriptionIDs() {
		sub := cfg.Subscriptions[id]
		log := a.log.With(logx.String("subscription", id))
		sch, err := scheduler.ParseSchedule(sub.Schedule)
		if err != nil {
			log.Error("invalid schedule; subscription not scheduled", logx.Err(err))
			continue
		}
		for _, w := range sch.Warnings() {
			log.Warn("schedule warning", logx.String("warning", w))
		}
		if !schedulable(sch) {
			log.Info("single-shot schedule; run it manually", logx.String("mode", sch.Mode().String()))
			continue
		}
		want[id] = planned{sub: sub, sch: sch}
	}

	a.schedMu.Lock()
	var stale []*scheduler.Scheduler
	for id, s := range a.scheds {
		p, ok := want[id]
		if ok && reflect.DeepEqual(s.Binding().Subscription, p.sub) {
			delete(want, id)
			continue
		}
		stale = append(stale, s)
		delete(a.scheds, id)
	}
	a.schedMu.Unlock()

	for _, s := range stale {
		id := s.Binding().ID
		ctx, cancel := context.WithTimeout(context.Background(), reloadStopTimeout)
		if err := s.Stop(ctx); err != nil {
			a.log.Warn("scheduler still draining a run", logx.String("subscription", id), logx.Err(err))
		}
		cancel()
		a.log.Info("scheduler removed", logx.String("subscription", id))
	}

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	for _, id := range ids {
		p := want[id]
		s := scheduler.New(
			scheduler.Binding{ID: id, Subscription: p.sub},
			p.sch,
			a.runScheduled,
			scheduler.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		)
		a.scheds[id] = s
		s.Start(a.sup.Context())
		a.log.Info("scheduler added", logx.String("subscription", id), logx.String("schedule", p.sch.Describe()))
	}
	return len(a.scheds)
}

// stopSchedulers stops every scheduler and waits for each to confirm.
func (a *App) stopSchedulers(ctx context.Context) error {
	a.schedMu.Lock()
	all := make([]*scheduler.Scheduler, 0, len(a.scheds))
	for _, s := range a.scheds {
		all = append(all, s)
	}
	a.schedMu.Unlock()

	errs := make(chan error, len(all))
	for _, s := range all {
		go func(s *scheduler.Scheduler) { errs <- s.Stop(ctx) }(s)
	}
	var out []error
	for range all {
		if err := <-errs; err != nil {
			out = append(out, err)
		}
	}
	return errors.Join(out...)
}
