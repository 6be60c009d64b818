package scheduler

import (
	"context"
	"time"

	"digestbot/internal/config"
)

// Trigger is one computed firing.
type Trigger struct {
	At time.Time
	// Slot is the configured time of day that fired ("" for fallback triggers).
	Slot string
	// Fallback is set when the schedule had no recurring mode.
	Fallback bool
}

// Rule computes the next trigger strictly after ref.
type Rule interface {
	Next(ref time.Time) (Trigger, error)
}

// Binding pairs a subscription with its id. It is copied into the
// Scheduler at construction, so later config changes never leak into a
// running loop.
type Binding struct {
	ID           string
	Subscription config.Subscription
}

// RunFunc executes one scheduled run. Returned errors and panics are logged
// and never stop the loop.
type RunFunc func(ctx context.Context, b Binding, slot string) error

// State is the scheduler lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Snapshot is a point-in-time view of a Scheduler.
type Snapshot struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Next     time.Time `json:"next,omitzero"`
	NextSlot string    `json:"next_slot,omitempty"`
	Fallback bool      `json:"fallback,omitempty"`

	LastSlot     string        `json:"last_slot,omitempty"`
	LastRunAt    time.Time     `json:"last_run_at,omitzero"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
}
