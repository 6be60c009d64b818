package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"digestbot/pkg/logx"
)

// Store is the persistence API used by the daemon.
//
// An empty subscription id means "no subscription scope": runs are recorded
// without one and lookups are not filtered.
type Store interface {
	StartRun(ctx context.Context, periodStart, periodEnd time.Time, subscriptionID string) (string, error)
	// CompleteRun moves a running run to completed (errMsg == "") or failed.
	CompleteRun(ctx context.Context, runID string, messagesProcessed int, errMsg string) error
	LastSuccessfulRun(ctx context.Context, subscriptionID string) (Period, bool, error)
	ProcessedItemIDs(ctx context.Context, subscriptionID string) (KeySet, error)
	// MarkProcessed upserts items; repeating keys is not an error.
	MarkProcessed(ctx context.Context, runID string, items []ItemKey, subscriptionID string) error

	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
	PutSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id string) (Source, bool, error)

	Close() error
}

// Open opens (and migrates) the SQLite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	st, err := openSQLite(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}
