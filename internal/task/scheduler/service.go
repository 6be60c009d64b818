package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"digestbot/pkg/logx"
)

// DefaultBackoff is the delay after a failure in the loop's own bookkeeping.
const DefaultBackoff = 60 * time.Second

// Scheduler runs one subscription's trigger loop.
type Scheduler struct {
	binding Binding
	rule    Rule
	run     RunFunc

	log     logx.Logger
	now     func() time.Time
	backoff time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	next     Trigger
	lastSlot string
	lastAt   time.Time
	lastDur  time.Duration
	lastErr  string
	runs     uint64
	failures uint64
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.backoff = d }
}

func New(b Binding, rule Rule, run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		binding: b,
		rule:    rule,
		run:     run,
		log:     logx.Nop(),
		now:     time.Now,
		backoff: DefaultBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("subscription", b.ID))
	return s
}

func (s *Scheduler) Binding() Binding { return s.binding }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the loop. It is a no-op unless the scheduler is idle.
// Canceling ctx stops the loop like Stop does, without the join.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateRunning
	go s.loop(lctx, s.done)
}

// Stop cancels the loop and waits for it to exit. A run in progress is
// allowed to finish; no run starts after Stop returns nil. If ctx ends
// first, Stop returns its error and the loop keeps draining.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.log.Debug("stop requested")
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.cancel = nil
		s.next = Trigger{}
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped")
	}()
	s.log.Info("scheduler started", logx.String("name", s.binding.Subscription.Name))

	for {
		if ctx.Err() != nil {
			return
		}
		tr, err := s.plan()
		if err != nil {
			s.setErr(err)
			s.log.Error("scheduler loop error; backing off", logx.Err(err), logx.Duration("backoff", s.backoff))
			if !sleepCtx(ctx, s.backoff) {
				return
			}
			continue
		}
		if !s.waitUntil(ctx, tr.At) {
			return
		}
		// the timer and the stop signal can race; stop wins
		if ctx.Err() != nil {
			return
		}
		s.invoke(ctx, tr)
	}
}

// plan computes the next trigger; panics in the rule are turned into errors.
func (s *Scheduler) plan() (tr Trigger, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule evaluation panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.rule == nil {
		return Trigger{}, errors.New("no schedule rule")
	}
	now := s.now()
	tr, err = s.rule.Next(now)
	if err != nil {
		return Trigger{}, err
	}
	if tr.At.IsZero() {
		return Trigger{}, errors.New("schedule returned zero trigger")
	}

	s.mu.Lock()
	s.next = tr
	s.mu.Unlock()

	fields := []logx.Field{logx.Time("next_run", tr.At), logx.Duration("sleep", tr.At.Sub(now))}
	if tr.Slot != "" {
		fields = append(fields, logx.String("slot", tr.Slot))
	}
	if tr.Fallback {
		s.log.Warn("no recurring schedule; using hourly fallback", fields...)
	} else {
		s.log.Info("next run scheduled", fields...)
	}
	return tr, nil
}

func (s *Scheduler) waitUntil(ctx context.Context, at time.Time) bool {
	d := at.Sub(s.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	return sleepCtx(ctx, d)
}

// invoke runs the callback on a context that is not canceled by Stop, so a
// run in flight completes.
func (s *Scheduler) invoke(ctx context.Context, tr Trigger) {
	runCtx := context.WithoutCancel(ctx)
	start := time.Now()
	s.log.Info("executing scheduled run", logx.String("slot", tr.Slot))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled run panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if s.run == nil {
			return errors.New("no run callback")
		}
		return s.run(runCtx, s.binding, tr.Slot)
	}()
	took := time.Since(start)

	s.mu.Lock()
	s.runs++
	s.lastSlot = tr.Slot
	s.lastAt = start
	s.lastDur = took
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("scheduled run failed", logx.String("slot", tr.Slot), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Info("scheduled run completed", logx.String("slot", tr.Slot), logx.Duration("took", took))
}

func (s *Scheduler) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
