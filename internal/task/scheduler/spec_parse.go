package scheduler

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/config"
)

// Mode is the active mode of a Schedule.
type Mode int

const (
	ModeNone Mode = iota
	ModeLookback
	ModeDaily
	ModeWeekly
	ModeRange
)

func (m Mode) String() string {
	switch m {
	case ModeLookback:
		return "lookback"
	case ModeDaily:
		return "daily"
	case ModeWeekly:
		return "weekly"
	case ModeRange:
		return "range"
	default:
		return "none"
	}
}

// DefaultLookback is used when a lookback string can't be parsed and for
// manual runs of schedules without a window of their own.
const DefaultLookback = 24 * time.Hour

// Schedule is a parsed, immutable schedule rule.
type Schedule struct {
	mode     Mode
	slots    []slot // daily: sorted by time of day; weekly: exactly one
	weekday  int    // 0=Monday..6=Sunday
	lookback time.Duration
	from, to time.Time
	loc      *time.Location
	warnings []string
}

type slot struct {
	label  string
	offset time.Duration // since midnight
	spec   cron.Schedule
}

// SecondOptional matches the cron dialect used across the codebase; slot
// specs are always generated with a seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	reTimeOfDay = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::(\d{2}))?\s*$`)
	reLookback  = regexp.MustCompile(`^\s*(\d+)\s*([a-zA-Z]+)\s*$`)
)

// ParseSchedule validates a configured schedule and compiles its slots.
//
// Exactly one of weekly, daily, range may be set. Lookback is ignored (with
// a warning) when one of them is. A schedule with no mode at all is valid
// and evaluates to the hourly fallback.
func ParseSchedule(cfg config.Schedule) (*Schedule, error) {
	s := &Schedule{loc: time.Local}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		s.loc = loc
	}

	weekly := cfg.DayOfWeek != nil || strings.TrimSpace(cfg.Time) != ""
	daily := len(cfg.Times) > 0
	ranged := strings.TrimSpace(cfg.From) != "" || strings.TrimSpace(cfg.To) != ""
	lookback := strings.TrimSpace(cfg.Lookback) != ""

	n := 0
	for _, on := range []bool{weekly, daily, ranged} {
		if on {
			n++
		}
	}
	if n > 1 {
		return nil, errors.New("schedule: set only one of day_of_week+time, times, from+to")
	}

	switch {
	case weekly:
		if err := s.parseWeekly(cfg); err != nil {
			return nil, err
		}
	case daily:
		if err := s.parseDaily(cfg.Times); err != nil {
			return nil, err
		}
	case ranged:
		if err := s.parseRange(cfg.From, cfg.To); err != nil {
			return nil, err
		}
	case lookback:
		s.mode = ModeLookback
	default:
		s.warnings = append(s.warnings, "no schedule mode configured; defaulting to hourly")
	}

	if lookback {
		if s.mode != ModeLookback {
			s.warnings = append(s.warnings, fmt.Sprintf("lookback %q ignored for %s schedule", cfg.Lookback, s.mode))
		} else {
			d, err := ParseLookback(cfg.Lookback)
			if err != nil {
				s.warnings = append(s.warnings, fmt.Sprintf("%v; using %s", err, DefaultLookback))
				d = DefaultLookback
			}
			s.lookback = d
		}
	}
	return s, nil
}

func (s *Schedule) parseWeekly(cfg config.Schedule) error {
	if cfg.DayOfWeek == nil || strings.TrimSpace(cfg.Time) == "" {
		return errors.New("schedule: weekly mode needs both day_of_week and time")
	}
	dow := *cfg.DayOfWeek
	if dow < 0 || dow > 6 {
		return fmt.Errorf("schedule: day_of_week must be 0 (Monday) to 6 (Sunday), got %d", dow)
	}
	sl, err := compileSlot(cfg.Time, (dow+1)%7, s.loc)
	if err != nil {
		return err
	}
	s.mode = ModeWeekly
	s.weekday = dow
	s.slots = []slot{sl}
	return nil
}

func (s *Schedule) parseDaily(times []string) error {
	seen := make(map[time.Duration]string, len(times))
	slots := make([]slot, 0, len(times))
	for _, raw := range times {
		sl, err := compileSlot(raw, -1, s.loc)
		if err != nil {
			return err
		}
		if prev, dup := seen[sl.offset]; dup {
			return fmt.Errorf("schedule: times %q and %q are the same slot", prev, raw)
		}
		seen[sl.offset] = raw
		slots = append(slots, sl)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].offset < slots[j].offset })
	s.mode = ModeDaily
	s.slots = slots
	return nil
}

// Range bounds must fit Unix nanoseconds, the run store's time encoding.
var (
	minInstant = time.Unix(0, math.MinInt64)
	maxInstant = time.Unix(0, math.MaxInt64)
)

func (s *Schedule) parseRange(fromRaw, toRaw string) error {
	if strings.TrimSpace(fromRaw) == "" || strings.TrimSpace(toRaw) == "" {
		return errors.New("schedule: range mode needs both from and to")
	}
	from, err := parseInstant(fromRaw, s.loc)
	if err != nil {
		return fmt.Errorf("schedule.from: %w", err)
	}
	to, err := parseInstant(toRaw, s.loc)
	if err != nil {
		return fmt.Errorf("schedule.to: %w", err)
	}
	if !to.After(from) {
		return errors.New("schedule: to must be after from")
	}
	if from.Before(minInstant) || to.After(maxInstant) {
		return fmt.Errorf("schedule: range must lie between %s and %s",
			minInstant.UTC().Format(time.DateOnly), maxInstant.UTC().Format(time.DateOnly))
	}
	s.mode = ModeRange
	s.from, s.to = from, to
	return nil
}

// compileSlot turns "HH:MM[:SS]" into a cron spec. cronDow < 0 means every day.
func compileSlot(raw string, cronDow int, loc *time.Location) (slot, error) {
	h, m, sec, err := parseTimeOfDay(raw)
	if err != nil {
		return slot{}, err
	}
	dow := "*"
	if cronDow >= 0 {
		dow = strconv.Itoa(cronDow)
	}
	expr := fmt.Sprintf("%d %d %d * * %s", sec, m, h, dow)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return slot{}, fmt.Errorf("schedule: compile %q: %w", raw, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	return slot{
		label:  strings.TrimSpace(raw),
		offset: time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second,
		spec:   sched,
	}, nil
}

func parseTimeOfDay(raw string) (h, m, sec int, err error) {
	g := reTimeOfDay.FindStringSubmatch(raw)
	if g == nil {
		return 0, 0, 0, fmt.Errorf("schedule: invalid time of day %q (use HH:MM)", raw)
	}
	h, _ = strconv.Atoi(g[1])
	m, _ = strconv.Atoi(g[2])
	if g[3] != "" {
		sec, _ = strconv.Atoi(g[3])
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("schedule: time of day out of range %q", raw)
	}
	return h, m, sec, nil
}

func parseInstant(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q (use RFC3339 or YYYY-MM-DD HH:MM)", raw)
}

// ParseLookback accepts "N minutes|hours|days|weeks" (singular or plural,
// short forms m/h/d/w) and Go duration strings like "36h".
func ParseLookback(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("lookback is empty")
	}
	if g := reLookback.FindStringSubmatch(s); g != nil {
		n, err := strconv.Atoi(g[1])
		if err == nil && n > 0 {
			var unit time.Duration
			switch strings.ToLower(g[2]) {
			case "m", "min", "mins", "minute", "minutes":
				unit = time.Minute
			case "h", "hour", "hours":
				unit = time.Hour
			case "d", "day", "days":
				unit = 24 * time.Hour
			case "w", "week", "weeks":
				unit = 7 * 24 * time.Hour
			}
			if unit > 0 {
				return time.Duration(n) * unit, nil
			}
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid lookback %q", raw)
	}
	return d, nil
}

func (s *Schedule) Mode() Mode { return s.mode }

func (s *Schedule) Location() *time.Location { return s.loc }

// Recurring reports whether the schedule can drive a Scheduler loop.
// Lookback and range schedules are single-shot only.
func (s *Schedule) Recurring() bool { return s.mode == ModeDaily || s.mode == ModeWeekly }

// Warnings returns configuration problems that were tolerated.
func (s *Schedule) Warnings() []string { return append([]string(nil), s.warnings...) }

// Slots returns the configured times of day in firing order.
func (s *Schedule) Slots() []string {
	out := make([]string, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.label)
	}
	return out
}

// Describe renders the schedule for listings.
func (s *Schedule) Describe() string {
	switch s.mode {
	case ModeWeekly:
		return fmt.Sprintf("weekly on %s at %s (%s)", weekdayName(s.weekday), s.slots[0].label, s.loc)
	case ModeDaily:
		return fmt.Sprintf("daily at %s (%s)", strings.Join(s.Slots(), ", "), s.loc)
	case ModeRange:
		return fmt.Sprintf("range %s .. %s", s.from.Format(time.RFC3339), s.to.Format(time.RFC3339))
	case ModeLookback:
		return fmt.Sprintf("lookback %s", s.lookback)
	default:
		return "hourly (fallback)"
	}
}

func weekdayName(d int) string {
	// 0=Monday; time.Weekday is 0=Sunday
	return time.Weekday((d + 1) % 7).String()
}
