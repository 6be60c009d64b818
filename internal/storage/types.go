package storage

import (
	"errors"
	"time"
)

var (
	// ErrBusy is returned when the database stays locked past the busy timeout.
	ErrBusy = errors.New("storage busy")
	// ErrRunNotRunning is returned when completing a run that is unknown or
	// already terminal.
	ErrRunNotRunning = errors.New("run is not running")
	// ErrPeriodRange is returned for a period bound that does not fit the
	// store's nanosecond encoding (roughly years 1678 to 2262).
	ErrPeriodRange = errors.New("period outside storable range")
)

// DefaultBusyTimeout bounds how long an operation waits for the database.
const DefaultBusyTimeout = 30 * time.Second

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means DefaultBusyTimeout
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one pipeline execution over [PeriodStart, PeriodEnd).
type Run struct {
	ID                string    `json:"run_id"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at,omitzero"`
	Status            RunStatus `json:"status"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	MessagesProcessed int       `json:"messages_processed"`
	Error             string    `json:"error_message,omitempty"`
}

// Period is a half-open time window.
type Period struct {
	Start time.Time
	End   time.Time
}

// ItemKey identifies a source item. Together with the subscription id it
// forms the dedup identity.
type ItemKey struct {
	SourceID string
	ItemID   string
}

// KeySet is a set of processed item keys.
type KeySet map[ItemKey]struct{}

func (s KeySet) Has(k ItemKey) bool {
	_, ok := s[k]
	return ok
}

func (s KeySet) Add(k ItemKey) { s[k] = struct{}{} }

// Source is cached metadata about a fetch source.
type Source struct {
	ID          string
	Title       string
	Kind        string
	LastUpdated time.Time
}

// RunFilter narrows ListRuns. Zero values mean no filter.
type RunFilter struct {
	SubscriptionID string
	Status         RunStatus
	Limit          int
}
