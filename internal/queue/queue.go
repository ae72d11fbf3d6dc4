// Package queue is the SQLite-backed job queue. Dequeue is exclusive: a job
// is handed to exactly one caller even when many workers poll at once.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// Job states inside the queue. They are separate from the scan lifecycle,
// which is mirrored into scan_status by UpdateStatus.
const (
	StateQueued   = "queued"
	StateClaimed  = "claimed"
	StateFinished = "finished"
)

var ErrJobNotFound = errors.New("job not found")

// Entry is a job together with its queue bookkeeping.
type Entry struct {
	model.Job
	State      string           `json:"state"`
	ScanStatus model.ScanStatus `json:"scan_status,omitempty"`
	Message    string           `json:"message,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type SQLiteQueue struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

func NewSQLiteQueue(db *sql.DB, logger logging.Logger) (*SQLiteQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &SQLiteQueue{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "queue"}),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enqueue adds job and returns its id. ScanID defaults to a fresh uuid.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job model.Job) (string, error) {
	if job.Domain == "" {
		return "", errors.New("job domain is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.ScanID == "" {
		job.ScanID = uuid.New().String()
	}
	now := q.now()

	profile, err := encodeOptional(job.Profile)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	options, err := encodeOptional(job.Options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, scan_id, organization_name, domain, profile, options, state, enqueued_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ScanID, job.OrganizationName, job.Domain, profile, options, StateQueued,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	q.logger.Info("job enqueued",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "scan_id", Value: job.ScanID},
		logging.Field{Key: "domain", Value: job.Domain})
	return job.ID, nil
}

// NextJob claims the oldest queued job. It returns (nil, nil) when the
// queue is empty.
func (q *SQLiteQueue) NextJob(ctx context.Context) (*model.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			q.logger.Warn("queue: tx rollback failed", logging.Field{Key: "error", Value: rerr})
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT id, scan_id, organization_name, domain, profile, options, enqueued_at
         FROM jobs WHERE state = ? ORDER BY enqueued_at, rowid LIMIT 1`, StateQueued)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := q.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateClaimed, now, now, job.ID, StateQueued)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		// Another worker claimed it between the select and the update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// UpdateStatus mirrors the scan's lifecycle status onto its most recent job.
// Terminal statuses finish the job.
func (q *SQLiteQueue) UpdateStatus(ctx context.Context, scanID string, status model.ScanStatus, message string) error {
	state := StateClaimed
	if status.Terminal() {
		state = StateFinished
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET scan_status = ?, message = ?, updated_at = ?,
             state = CASE WHEN state = ? THEN state ELSE ? END
         WHERE id = (SELECT id FROM jobs WHERE scan_id = ? ORDER BY enqueued_at DESC, rowid DESC LIMIT 1)`,
		string(status), message, q.now().UnixNano(), StateQueued, state, scanID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: scan %s", ErrJobNotFound, scanID)
	}
	return nil
}

// Get returns the job with id.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*Entry, error) {
	var (
		e         Entry
		profile   sql.NullString
		options   sql.NullString
		enqueued  int64
		updated   int64
		scanState string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, scan_id, organization_name, domain, profile, options, enqueued_at,
                state, scan_status, message, updated_at
         FROM jobs WHERE id = ?`, id).
		Scan(&e.ID, &e.ScanID, &e.OrganizationName, &e.Domain, &profile, &options, &enqueued,
			&e.State, &scanState, &e.Message, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeOptional(profile, &e.Profile); err != nil {
		return nil, err
	}
	if err := decodeOptional(options, &e.Options); err != nil {
		return nil, err
	}
	e.EnqueuedAt = time.Unix(0, enqueued).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	e.ScanStatus = model.ScanStatus(scanState)
	return &e, nil
}

// Depth is the number of jobs waiting to be claimed.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state = ?`, StateQueued).Scan(&n)
	return n, err
}

// Heartbeat refreshes the claim on jobID. Workers call it while a scan runs
// so that Requeue only recovers jobs whose worker stopped beating.
func (q *SQLiteQueue) Heartbeat(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = ? WHERE id = ? AND state = ?`,
		q.now().UnixNano(), jobID, StateClaimed)
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no claimed job %s", ErrJobNotFound, jobID)
	}
	return nil
}

// Requeue returns claimed jobs that have not been touched for staleAfter to
// the queue, for workers that died mid-scan. Lifecycle updates and
// heartbeats both count as touches. It returns the number of jobs requeued.
func (q *SQLiteQueue) Requeue(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, claimed_at = NULL, updated_at = ?
         WHERE state = ? AND updated_at < ?`,
		StateQueued, now.UnixNano(), StateClaimed, now.Add(-staleAfter).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		q.logger.Warn("requeued stale jobs", logging.Field{Key: "count", Value: n})
	}
	return int(n), err
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j                model.Job
		profile, options sql.NullString
		enqueued         int64
	)
	if err := row.Scan(&j.ID, &j.ScanID, &j.OrganizationName, &j.Domain, &profile, &options, &enqueued); err != nil {
		return nil, err
	}
	if err := decodeOptional(profile, &j.Profile); err != nil {
		return nil, err
	}
	if err := decodeOptional(options, &j.Options); err != nil {
		return nil, err
	}
	j.EnqueuedAt = time.Unix(0, enqueued).UTC()
	return &j, nil
}

func encodeOptional(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *model.OrgProfile:
		if x == nil {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeOptional(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return fmt.Errorf("decode job column: %w", err)
	}
	return nil
}
