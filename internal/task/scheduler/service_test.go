package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"digestbot/internal/config"
)

type ruleFunc func(ref time.Time) (Trigger, error)

func (f ruleFunc) Next(ref time.Time) (Trigger, error) { return f(ref) }

func soon(slot string) Rule {
	return ruleFunc(func(ref time.Time) (Trigger, error) {
		return Trigger{At: ref.Add(5 * time.Millisecond), Slot: slot}, nil
	})
}

func testBinding() Binding {
	return Binding{ID: "evening", Subscription: config.Subscription{Name: "Evening"}}
}

func stopWithin(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerSurvivesCallbackFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	done := make(chan struct{})
	run := func(ctx context.Context, b Binding, slot string) error {
		n := calls.Add(1)
		switch n {
		case 1:
			return errors.New("fetch failed")
		case 2:
			panic("boom")
		case 3:
			close(done)
		}
		return nil
	}

	s := New(testBinding(), soon("08:00"), run)
	s.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not reach third run (calls=%d)", calls.Load())
	}
	stopWithin(t, s, 5*time.Second)

	snap := s.Snapshot()
	if snap.Runs < 3 || snap.Failures < 2 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.LastSlot != "08:00" {
		t.Fatalf("LastSlot = %q", snap.LastSlot)
	}
	if snap.State != StateIdle.String() {
		t.Fatalf("State = %s after Stop", snap.State)
	}
}

func TestSchedulerPassesBindingAndSlot(t *testing.T) {
	t.Parallel()
	got := make(chan Binding, 1)
	slots := make(chan string, 1)
	run := func(ctx context.Context, b Binding, slot string) error {
		select {
		case got <- b:
			slots <- slot
		default:
		}
		return nil
	}
	s := New(testBinding(), soon("18:00"), run)
	s.Start(context.Background())
	defer stopWithin(t, s, 5*time.Second)

	select {
	case b := <-got:
		if b.ID != "evening" || b.Subscription.Name != "Evening" {
			t.Fatalf("unexpected binding %+v", b)
		}
		if slot := <-slots; slot != "18:00" {
			t.Fatalf("slot = %q", slot)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestSchedulerStopJoinsInFlightRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		calls  atomic.Int32
		ctxErr error
		mu     sync.Mutex
	)
	run := func(ctx context.Context, b Binding, slot string) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			mu.Lock()
			ctxErr = ctx.Err()
			mu.Unlock()
		}
		return nil
	}
	s := New(testBinding(), soon("08:00"), run)
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if st := s.State(); st != StateStopping {
		t.Fatalf("State = %s, want stopping", st)
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if ctxErr != nil {
		t.Fatalf("in-flight run saw canceled context: %v", ctxErr)
	}
	n := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != n {
		t.Fatal("a run started after Stop returned")
	}
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	t.Parallel()
	var nexts atomic.Int32
	first := make(chan struct{}, 1)
	rule := ruleFunc(func(ref time.Time) (Trigger, error) {
		nexts.Add(1)
		select {
		case first <- struct{}{}:
		default:
		}
		return Trigger{At: ref.Add(time.Hour), Slot: "08:00"}, nil
	})
	s := New(testBinding(), rule, func(context.Context, Binding, string) error { return nil })
	s.Start(context.Background())
	s.Start(context.Background())

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("rule never evaluated")
	}
	time.Sleep(30 * time.Millisecond)
	if n := nexts.Load(); n != 1 {
		t.Fatalf("rule evaluated %d times, want 1 (double start?)", n)
	}
	snap := s.Snapshot()
	if snap.State != "running" || snap.NextSlot != "08:00" || snap.Next.IsZero() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	stopWithin(t, s, 5*time.Second)
	// stop on an idle scheduler is a no-op
	stopWithin(t, s, time.Second)

	// restart after stop works
	s.Start(context.Background())
	if s.State() != StateRunning {
		t.Fatalf("State = %s after restart", s.State())
	}
	stopWithin(t, s, 5*time.Second)
}

func TestSchedulerBacksOffOnRuleError(t *testing.T) {
	t.Parallel()
	var nexts atomic.Int32
	rule := ruleFunc(func(ref time.Time) (Trigger, error) {
		switch nexts.Add(1) {
		case 1:
			return Trigger{}, errors.New("clock skew")
		case 2:
			panic("bad rule")
		}
		return Trigger{At: ref.Add(time.Millisecond)}, nil
	})
	ran := make(chan struct{})
	var once sync.Once
	run := func(context.Context, Binding, string) error {
		once.Do(func() { close(ran) })
		return nil
	}
	s := New(testBinding(), rule, run, WithBackoff(5*time.Millisecond))
	s.Start(context.Background())
	defer stopWithin(t, s, 5*time.Second)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not recover from rule errors")
	}
}

func TestSchedulerStopsWhenParentCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(testBinding(), ruleFunc(func(ref time.Time) (Trigger, error) {
		return Trigger{At: ref.Add(time.Hour)}, nil
	}), func(context.Context, Binding, string) error { return nil })
	s.Start(ctx)
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not stop after parent cancel")
		}
		time.Sleep(time.Millisecond)
	}
}
