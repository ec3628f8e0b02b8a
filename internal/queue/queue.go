// Package queue provides a durable job queue on the coordinator's SQLite
// database.
//
// Jobs carry a type, a msgpack payload, a priority (1 is most urgent) and
// a retry budget with exponential backoff. Workers claim jobs under a
// lease; a worker that dies mid-job loses its lease and the job returns
// to the pending state on the next reclaim sweep. Jobs that exhaust their
// budget are retained in the failed state for inspection.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"weft/internal/logging"
	"weft/internal/notify"
)

// Job type names used across the coordinator.
const (
	TypeHealChunk      = "heal-chunk"
	TypeTrimExcess     = "trim-excess"
	TypeDeleteFile     = "delete-file"
	TypeDistributeFile = "distribute-file"
)

const (
	defaultPriority    = 3
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Second

	// leaseDuration is how long a claimed job stays invisible before the
	// reclaim sweep returns it to pending.
	leaseDuration = 5 * time.Minute
)

// ErrEmpty is returned by claim when no job is ready.
var ErrEmpty = errors.New("no job ready")

// Job is one unit of queued work as handed to a Handler.
type Job struct {
	ID          uuid.UUID
	Type        string
	Payload     []byte
	Priority    int
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
}

// Decode unmarshals the job payload into dst.
func (j Job) Decode(dst any) error {
	if err := msgpack.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Option adjusts a job at enqueue time.
type Option func(*jobRow)

// WithPriority sets the job priority; 1 runs before 2 before 3.
func WithPriority(p int) Option {
	return func(r *jobRow) { r.priority = p }
}

// WithMaxAttempts sets the retry budget.
func WithMaxAttempts(n int) Option {
	return func(r *jobRow) { r.maxAttempts = n }
}

// WithBackoff sets the base delay; retry n waits base * 2^(n-1).
func WithBackoff(d time.Duration) Option {
	return func(r *jobRow) { r.backoff = d }
}

// WithDelay makes the job ineligible to run until the delay has passed.
func WithDelay(d time.Duration) Option {
	return func(r *jobRow) { r.delay = d }
}

type jobRow struct {
	priority    int
	maxAttempts int
	backoff     time.Duration
	delay       time.Duration
}

// Queue is the durable job queue. It shares the metadata database, so a
// job enqueued in the same process is as durable as the row that caused
// it.
type Queue struct {
	db     *sql.DB
	signal *notify.Signal
	logger *slog.Logger
	now    func() time.Time
}

// New prepares the jobs table on db and returns the queue.
func New(db *sql.DB, logger *slog.Logger) (*Queue, error) {
	logger = logging.Default(logger)
	q := &Queue{
		db:     db,
		signal: notify.NewSignal(),
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return q, nil
}

// The jobs table lives beside the metadata tables. Timestamps are unix
// milliseconds so readiness and lease comparisons are plain integer
// comparisons.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload BLOB NOT NULL,
	priority INTEGER NOT NULL DEFAULT 3,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	backoff_ms INTEGER NOT NULL DEFAULT 5000,
	run_at_ms INTEGER NOT NULL,
	lease_until_ms INTEGER,
	created_at_ms INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
) STRICT;
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, type, priority, run_at_ms);
`

// Enqueue adds a job. The payload is msgpack encoded; options default to
// priority 3, five attempts, 5 s base backoff, no delay.
func (q *Queue) Enqueue(ctx context.Context, typ string, payload any, opts ...Option) (uuid.UUID, error) {
	row := jobRow{
		priority:    defaultPriority,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(&row)
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	id := uuid.New()
	now := q.now()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, priority, state, attempts, max_attempts,
			backoff_ms, run_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
	`, id, typ, data, row.priority, row.maxAttempts, row.backoff.Milliseconds(),
		now.Add(row.delay).UnixMilli(), now.UnixMilli())
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", typ, err)
	}

	q.signal.Notify()
	return id, nil
}

// claim atomically takes the most urgent ready job of the given types.
func (q *Queue) claim(ctx context.Context, types []string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	placeholders := ""
	args := []any{q.now().UnixMilli()}
	for i, t := range types {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, t)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, type, payload, priority, attempts, max_attempts, backoff_ms
		FROM jobs
		WHERE state = 'pending' AND run_at_ms <= ? AND type IN (`+placeholders+`)
		ORDER BY priority, run_at_ms
		LIMIT 1
	`, args...)

	var j Job
	var backoffMS int64
	err = row.Scan(&j.ID, &j.Type, &j.Payload, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &backoffMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Backoff = time.Duration(backoffMS) * time.Millisecond

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'running', lease_until_ms = ? WHERE id = ?
	`, q.now().Add(leaseDuration).UnixMilli(), j.ID)
	if err != nil {
		return nil, fmt.Errorf("lease job %q: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &j, nil
}

// complete removes a finished job.
func (q *Queue) complete(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("complete job %q: %w", id, err)
	}
	return nil
}

// fail records a failed attempt. The job is retried after an exponential
// backoff, or parked in the failed state once the budget is exhausted.
func (q *Queue) fail(ctx context.Context, j *Job, cause error) error {
	attempts := j.Attempts + 1
	if attempts >= j.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'failed', attempts = ?, lease_until_ms = NULL, last_error = ?
			WHERE id = ?
		`, attempts, cause.Error(), j.ID)
		if err != nil {
			return fmt.Errorf("park job %q: %w", j.ID, err)
		}
		q.logger.Warn("job failed permanently",
			"type", j.Type, "id", j.ID, "attempts", attempts, "error", cause)
		return nil
	}

	delay := j.Backoff << (attempts - 1)
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'pending', attempts = ?, run_at_ms = ?,
			lease_until_ms = NULL, last_error = ?
		WHERE id = ?
	`, attempts, q.now().Add(delay).UnixMilli(), cause.Error(), j.ID)
	if err != nil {
		return fmt.Errorf("reschedule job %q: %w", j.ID, err)
	}
	return nil
}

// ReclaimStalled returns running jobs with expired leases to the pending
// state. Called periodically by workers; a crashed worker's jobs come
// back within one lease duration.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'pending', lease_until_ms = NULL
		WHERE state = 'running' AND lease_until_ms < ?
	`, q.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("reclaimed stalled jobs", "count", n)
	}
	return int(n), nil
}

// Pending counts jobs of a type that have not finished (pending or
// running). Used by tests and the summary job.
func (q *Queue) Pending(ctx context.Context, typ string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE type = ? AND state IN ('pending', 'running')
	`, typ).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending %s: %w", typ, err)
	}
	return n, nil
}

// Failed returns the retained permanently-failed jobs.
func (q *Queue) Failed(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, payload, priority, attempts, max_attempts, backoff_ms
		FROM jobs WHERE state = 'failed' ORDER BY created_at_ms
	`)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		var j Job
		var backoffMS int64
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.Priority,
			&j.Attempts, &j.MaxAttempts, &backoffMS); err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		j.Backoff = time.Duration(backoffMS) * time.Millisecond
		result = append(result, j)
	}
	return result, rows.Err()
}
