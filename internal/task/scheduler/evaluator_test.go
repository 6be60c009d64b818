package scheduler

import (
	"testing"
	"time"
	_ "time/tzdata"

	"digestbot/internal/config"
)

func mustParse(t *testing.T, cfg config.Schedule) *Schedule {
	t.Helper()
	s, err := ParseSchedule(cfg)
	if err != nil {
		t.Fatalf("ParseSchedule(%+v): %v", cfg, err)
	}
	return s
}

func utc(y int, mo time.Month, d, h, mi, sec int) time.Time {
	return time.Date(y, mo, d, h, mi, sec, 0, time.UTC)
}

// 2024-01-01 is a Monday.
func TestNextTriggerWeekly(t *testing.T) {
	t.Parallel()
	s := mustParse(t, config.Schedule{DayOfWeek: intp(0), Time: "10:00", Timezone: "UTC"})

	tests := []struct {
		name string
		ref  time.Time
		want time.Time
	}{
		{name: "exactly at target rolls a week", ref: utc(2024, 1, 1, 10, 0, 0), want: utc(2024, 1, 8, 10, 0, 0)},
		{name: "later same day", ref: utc(2024, 1, 1, 10, 0, 1), want: utc(2024, 1, 8, 10, 0, 0)},
		{name: "earlier same day", ref: utc(2024, 1, 1, 9, 59, 59), want: utc(2024, 1, 1, 10, 0, 0)},
		{name: "midweek", ref: utc(2024, 1, 3, 12, 0, 0), want: utc(2024, 1, 8, 10, 0, 0)},
		{name: "sunday night", ref: utc(2024, 1, 7, 23, 59, 0), want: utc(2024, 1, 8, 10, 0, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextTrigger(s, tt.ref)
			if err != nil {
				t.Fatalf("NextTrigger error: %v", err)
			}
			if !got.At.Equal(tt.want) {
				t.Fatalf("At = %s, want %s", got.At, tt.want)
			}
			if got.Slot != "10:00" || got.Fallback {
				t.Fatalf("unexpected trigger %+v", got)
			}
		})
	}
}

func TestNextTriggerWeeklyExactlyAtTargetEveryDay(t *testing.T) {
	t.Parallel()
	for dow := 0; dow < 7; dow++ {
		s := mustParse(t, config.Schedule{DayOfWeek: intp(dow), Time: "06:15", Timezone: "UTC"})
		// Jan 1 2024 is Monday, so day dow is Jan 1+dow.
		ref := utc(2024, 1, 1+dow, 6, 15, 0)
		got, err := NextTrigger(s, ref)
		if err != nil {
			t.Fatalf("dow %d: %v", dow, err)
		}
		if want := ref.Add(7 * 24 * time.Hour); !got.At.Equal(want) {
			t.Fatalf("dow %d: At = %s, want %s", dow, got.At, want)
		}
	}
}

func TestNextTriggerDaily(t *testing.T) {
	t.Parallel()
	s := mustParse(t, config.Schedule{Times: []string{"18:00", "08:00", "12:30"}, Timezone: "UTC"})

	tests := []struct {
		name string
		ref  time.Time
		want time.Time
		slot string
	}{
		{name: "before first", ref: utc(2024, 1, 1, 7, 0, 0), want: utc(2024, 1, 1, 8, 0, 0), slot: "08:00"},
		{name: "between slots", ref: utc(2024, 1, 1, 9, 0, 0), want: utc(2024, 1, 1, 12, 30, 0), slot: "12:30"},
		{name: "exactly at slot", ref: utc(2024, 1, 1, 12, 30, 0), want: utc(2024, 1, 1, 18, 0, 0), slot: "18:00"},
		{name: "after last rolls to tomorrow", ref: utc(2024, 1, 1, 19, 0, 0), want: utc(2024, 1, 2, 8, 0, 0), slot: "08:00"},
		{name: "month rollover", ref: utc(2024, 1, 31, 23, 0, 0), want: utc(2024, 2, 1, 8, 0, 0), slot: "08:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextTrigger(s, tt.ref)
			if err != nil {
				t.Fatalf("NextTrigger error: %v", err)
			}
			if !got.At.Equal(tt.want) || got.Slot != tt.slot {
				t.Fatalf("got %s slot %q, want %s slot %q", got.At, got.Slot, tt.want, tt.slot)
			}
		})
	}
}

func TestNextTriggerTimezone(t *testing.T) {
	t.Parallel()
	s := mustParse(t, config.Schedule{Times: []string{"08:00"}, Timezone: "Asia/Jakarta"})
	// 00:00 UTC is 07:00 in Jakarta (UTC+7).
	got, err := NextTrigger(s, utc(2024, 1, 1, 0, 0, 0))
	if err != nil {
		t.Fatalf("NextTrigger error: %v", err)
	}
	if want := utc(2024, 1, 1, 1, 0, 0); !got.At.Equal(want) {
		t.Fatalf("At = %s, want %s", got.At, want)
	}
}

func TestNextTriggerFallback(t *testing.T) {
	t.Parallel()
	ref := utc(2024, 1, 1, 12, 0, 0)
	for _, cfg := range []config.Schedule{{}, {Lookback: "24 hours"}} {
		s := mustParse(t, cfg)
		got, err := NextTrigger(s, ref)
		if err != nil {
			t.Fatalf("NextTrigger error: %v", err)
		}
		if !got.Fallback || !got.At.Equal(ref.Add(time.Hour)) || got.Slot != "" {
			t.Fatalf("unexpected fallback trigger %+v", got)
		}
	}
}

func TestNextN(t *testing.T) {
	t.Parallel()
	s := mustParse(t, config.Schedule{Times: []string{"08:00", "18:00"}, Timezone: "UTC"})
	got, err := NextN(s, utc(2024, 1, 1, 7, 0, 0), 4)
	if err != nil {
		t.Fatalf("NextN error: %v", err)
	}
	want := []time.Time{
		utc(2024, 1, 1, 8, 0, 0),
		utc(2024, 1, 1, 18, 0, 0),
		utc(2024, 1, 2, 8, 0, 0),
		utc(2024, 1, 2, 18, 0, 0),
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].At.Equal(want[i]) {
			t.Fatalf("[%d] = %s, want %s", i, got[i].At, want[i])
		}
		if i > 0 && !got[i].At.After(got[i-1].At) {
			t.Fatalf("triggers not strictly increasing at %d", i)
		}
	}
}

func TestWindow(t *testing.T) {
	t.Parallel()
	end := utc(2024, 1, 2, 8, 0, 0)
	tests := []struct {
		name  string
		cfg   config.Schedule
		slot  string
		start time.Time
		end   time.Time
	}{
		{name: "daily first slot wraps midnight", cfg: config.Schedule{Times: []string{"08:00", "18:00"}}, slot: "08:00", start: utc(2024, 1, 1, 18, 0, 0), end: end},
		{name: "daily later slot", cfg: config.Schedule{Times: []string{"08:00", "18:00"}}, slot: "18:00", start: end.Add(-10 * time.Hour), end: end},
		{name: "daily single slot", cfg: config.Schedule{Times: []string{"08:00"}}, slot: "08:00", start: end.Add(-24 * time.Hour), end: end},
		{name: "daily manual run", cfg: config.Schedule{Times: []string{"08:00", "18:00"}}, start: end.Add(-24 * time.Hour), end: end},
		{name: "weekly", cfg: config.Schedule{DayOfWeek: intp(1), Time: "08:00"}, slot: "08:00", start: end.Add(-7 * 24 * time.Hour), end: end},
		{name: "lookback", cfg: config.Schedule{Lookback: "3 days"}, start: end.Add(-72 * time.Hour), end: end},
		{name: "range", cfg: config.Schedule{From: "2023-12-01T00:00:00Z", To: "2023-12-02T00:00:00Z"}, start: utc(2023, 12, 1, 0, 0, 0), end: utc(2023, 12, 2, 0, 0, 0)},
		{name: "none", cfg: config.Schedule{}, start: end.Add(-DefaultLookback), end: end},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := mustParse(t, tt.cfg)
			start, stop := Window(s, tt.slot, end)
			if !start.Equal(tt.start) || !stop.Equal(tt.end) {
				t.Fatalf("Window = [%s, %s), want [%s, %s)", start, stop, tt.start, tt.end)
			}
		})
	}
}
