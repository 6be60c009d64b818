package scheduler

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.binding.ID,
		Name:         s.binding.Subscription.Name,
		State:        s.state.String(),
		Next:         s.next.At,
		NextSlot:     s.next.Slot,
		Fallback:     s.next.Fallback,
		LastSlot:     s.lastSlot,
		LastRunAt:    s.lastAt,
		LastDuration: s.lastDur,
		LastError:    s.lastErr,
		Runs:         s.runs,
		Failures:     s.failures,
	}
}
