package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// FallbackInterval is the delay used when a schedule has no recurring mode.
const FallbackInterval = time.Hour

// NextTrigger returns the first trigger strictly after ref.
//
// Weekly and daily schedules are evaluated in the schedule's location; other
// modes fall back to ref+1h with Fallback set.
func NextTrigger(s *Schedule, ref time.Time) (Trigger, error) {
	if s == nil {
		return Trigger{}, errors.New("nil schedule")
	}
	if !s.Recurring() {
		return Trigger{At: ref.Add(FallbackInterval), Fallback: true}, nil
	}

	local := ref.In(s.loc)
	var (
		best Trigger
		ok   bool
	)
	for _, sl := range s.slots {
		at := sl.spec.Next(local)
		if at.IsZero() {
			continue
		}
		if !ok || at.Before(best.At) {
			best = Trigger{At: at, Slot: sl.label}
			ok = true
		}
	}
	if !ok {
		return Trigger{}, fmt.Errorf("no %s trigger found after %s", s.mode, ref.Format(time.RFC3339))
	}
	return best, nil
}

// Next implements Rule.
func (s *Schedule) Next(ref time.Time) (Trigger, error) { return NextTrigger(s, ref) }

// NextN returns n strictly increasing triggers after ref.
func NextN(r Rule, ref time.Time, n int) ([]Trigger, error) {
	out := make([]Trigger, 0, max(n, 0))
	for i := 0; i < n; i++ {
		tr, err := r.Next(ref)
		if err != nil {
			return out, err
		}
		out = append(out, tr)
		ref = tr.At
	}
	return out, nil
}

// Window returns the fetch window [start, end) for a full-window run that
// ends at end and was triggered by slot ("" for manual runs).
//
//   - range: the configured from/to
//   - lookback: end minus the lookback
//   - weekly: the last 7 days
//   - daily: since the previous slot (24h with a single slot or no slot)
//   - none: the default lookback
func Window(s *Schedule, slot string, end time.Time) (time.Time, time.Time) {
	switch s.mode {
	case ModeRange:
		return s.from, s.to
	case ModeLookback:
		return end.Add(-s.lookback), end
	case ModeWeekly:
		return end.Add(-7 * 24 * time.Hour), end
	case ModeDaily:
		return end.Add(-s.slotGap(slot)), end
	default:
		return end.Add(-DefaultLookback), end
	}
}

// slotGap is the time of day between slot and the slot before it, wrapping
// around midnight.
func (s *Schedule) slotGap(label string) time.Duration {
	const day = 24 * time.Hour
	if len(s.slots) < 2 {
		return day
	}
	for i, sl := range s.slots {
		if sl.label != label {
			continue
		}
		prev := s.slots[(i+len(s.slots)-1)%len(s.slots)]
		gap := sl.offset - prev.offset
		if gap <= 0 {
			gap += day
		}
		return gap
	}
	return day
}
