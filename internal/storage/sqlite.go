package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"digestbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// markChunk bounds rows per upsert statement (5 params each).
const markChunk = 100

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	busy time.Duration
	now  func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and callers queue on
	// the pool under their busy deadline instead of spinning on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, busy: cfg.BusyTimeout, now: time.Now}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("state store opened", logx.String("path", path), logx.Duration("busy_timeout", cfg.BusyTimeout))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// op bounds one store operation by the busy timeout.
func (s *sqliteStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.busy)
}

// wrap maps lock contention past the deadline to ErrBusy.
func (s *sqliteStore) wrap(parent context.Context, what string, err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) || (errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil) {
		return fmt.Errorf("%s: %w: %v", what, ErrBusy, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *sqliteStore) StartRun(ctx context.Context, periodStart, periodEnd time.Time, subscriptionID string) (string, error) {
	if !storable(periodStart) || !storable(periodEnd) {
		return "", fmt.Errorf("start run: %w: %s .. %s", ErrPeriodRange, periodStart, periodEnd)
	}
	id := uuid.NewString()
	q, args, err := sq.Insert("runs").
		Columns("run_id", "subscription_id", "started_at", "status", "period_start", "period_end").
		Values(id, nullStr(subscriptionID), s.now().UnixNano(), string(RunRunning), periodStart.UnixNano(), periodEnd.UnixNano()).
		ToSql()
	if err != nil {
		return "", err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(octx, q, args...); err != nil {
		return "", s.wrap(ctx, "start run", err)
	}
	return id, nil
}

func (s *sqliteStore) CompleteRun(ctx context.Context, runID string, messagesProcessed int, errMsg string) error {
	status := RunCompleted
	if errMsg != "" {
		status = RunFailed
	}
	q, args, err := sq.Update("runs").
		Set("completed_at", s.now().UnixNano()).
		Set("status", string(status)).
		Set("messages_processed", messagesProcessed).
		Set("error_message", nullStr(errMsg)).
		Where(sq.Eq{"run_id": runID, "status": string(RunRunning)}).
		ToSql()
	if err != nil {
		return err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.db.ExecContext(octx, q, args...)
	if err != nil {
		return s.wrap(ctx, "complete run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(ctx, "complete run", err)
	}
	if n == 0 {
		return fmt.Errorf("complete run %s: %w", runID, ErrRunNotRunning)
	}
	return nil
}

func (s *sqliteStore) LastSuccessfulRun(ctx context.Context, subscriptionID string) (Period, bool, error) {
	b := sq.Select("period_start", "period_end").
		From("runs").
		Where(sq.Eq{"status": string(RunCompleted)}).
		OrderBy("completed_at DESC", "started_at DESC").
		Limit(1)
	if subscriptionID != "" {
		b = b.Where(sq.Eq{"subscription_id": subscriptionID})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return Period{}, false, err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	var start, end int64
	err = s.db.QueryRowContext(octx, q, args...).Scan(&start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return Period{}, false, nil
	}
	if err != nil {
		return Period{}, false, s.wrap(ctx, "last successful run", err)
	}
	return Period{Start: fromNanos(start), End: fromNanos(end)}, true, nil
}

func (s *sqliteStore) ProcessedItemIDs(ctx context.Context, subscriptionID string) (KeySet, error) {
	b := sq.Select("source_id", "item_id").From("processed_items")
	if subscriptionID != "" {
		b = b.Where(sq.Eq{"subscription_id": subscriptionID})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(octx, q, args...)
	if err != nil {
		return nil, s.wrap(ctx, "processed items", err)
	}
	defer rows.Close()

	out := KeySet{}
	for rows.Next() {
		var k ItemKey
		if err := rows.Scan(&k.SourceID, &k.ItemID); err != nil {
			return nil, fmt.Errorf("scan processed item: %w", err)
		}
		out.Add(k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "processed items", err)
	}
	return out, nil
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, runID string, items []ItemKey, subscriptionID string) error {
	if len(items) == 0 {
		return nil
	}
	octx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(octx, nil)
	if err != nil {
		return s.wrap(ctx, "mark processed", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()
	for start := 0; start < len(items); start += markChunk {
		end := min(start+markChunk, len(items))
		b := sq.Insert("processed_items").
			Columns("source_id", "item_id", "subscription_id", "processed_at", "run_id").
			Suffix("ON CONFLICT(source_id, item_id, subscription_id) DO UPDATE SET processed_at = excluded.processed_at, run_id = excluded.run_id")
		for _, it := range items[start:end] {
			b = b.Values(it.SourceID, it.ItemID, subscriptionID, now, runID)
		}
		q, args, err := b.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(octx, q, args...); err != nil {
			return s.wrap(ctx, "mark processed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, "mark processed", err)
	}
	return nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	b := sq.Select("run_id", "subscription_id", "started_at", "completed_at", "status",
		"period_start", "period_end", "messages_processed", "error_message").
		From("runs").
		OrderBy("started_at DESC")
	if f.SubscriptionID != "" {
		b = b.Where(sq.Eq{"subscription_id": f.SubscriptionID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(octx, q, args...)
	if err != nil {
		return nil, s.wrap(ctx, "list runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                     Run
			sub, errMsg           sql.NullString
			completed             sql.NullInt64
			started, pStart, pEnd int64
			status                string
		)
		if err := rows.Scan(&r.ID, &sub, &started, &completed, &status, &pStart, &pEnd, &r.MessagesProcessed, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.SubscriptionID = sub.String
		r.StartedAt = fromNanos(started)
		if completed.Valid {
			r.CompletedAt = fromNanos(completed.Int64)
		}
		r.Status = RunStatus(status)
		r.PeriodStart = fromNanos(pStart)
		r.PeriodEnd = fromNanos(pEnd)
		r.Error = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "list runs", err)
	}
	return out, nil
}

func (s *sqliteStore) PutSource(ctx context.Context, src Source) error {
	if strings.TrimSpace(src.ID) == "" {
		return errors.New("source id is required")
	}
	if src.LastUpdated.IsZero() {
		src.LastUpdated = s.now()
	}
	q, args, err := sq.Insert("sources").
		Columns("source_id", "title", "kind", "last_updated").
		Values(src.ID, src.Title, src.Kind, src.LastUpdated.UnixNano()).
		Suffix("ON CONFLICT(source_id) DO UPDATE SET title = excluded.title, kind = excluded.kind, last_updated = excluded.last_updated").
		ToSql()
	if err != nil {
		return err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(octx, q, args...); err != nil {
		return s.wrap(ctx, "put source", err)
	}
	return nil
}

func (s *sqliteStore) GetSource(ctx context.Context, id string) (Source, bool, error) {
	q, args, err := sq.Select("source_id", "title", "kind", "last_updated").
		From("sources").
		Where(sq.Eq{"source_id": id}).
		ToSql()
	if err != nil {
		return Source{}, false, err
	}

	octx, cancel := s.op(ctx)
	defer cancel()
	var (
		src Source
		ts  int64
	)
	err = s.db.QueryRowContext(octx, q, args...).Scan(&src.ID, &src.Title, &src.Kind, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, false, nil
	}
	if err != nil {
		return Source{}, false, s.wrap(ctx, "get source", err)
	}
	src.LastUpdated = fromNanos(ts)
	return src, true, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

// storable reports whether t fits the UnixNano encoding.
func storable(t time.Time) bool {
	return !t.Before(fromNanos(math.MinInt64)) && !t.After(fromNanos(math.MaxInt64))
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
