package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulkflow/internal/domain"
)

var ErrEmpty = errors.New("no jobs ready")

// EnsureSchema creates the job table if it doesn't exist. Times are unix
// milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  campaign_id TEXT NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  next_run_at INTEGER NOT NULL,
  locked_at INTEGER,
  last_run_at INTEGER,
  last_finished_at INTEGER,
  failed_at INTEGER,
  fail_reason TEXT NOT NULL DEFAULT '',
  fail_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON jobs(state, next_run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id, state);
`
	_, err := db.Exec(schema)
	return err
}

// JobFilter selects jobs in Find. Empty fields match everything.
type JobFilter struct {
	CampaignID string
	Name       string
	LiveOnly   bool
}

type Repository interface {
	ScheduleAt(ctx context.Context, at time.Time, name, campaignID string) (domain.Job, error)
	ScheduleNow(ctx context.Context, name, campaignID string) (domain.Job, error)
	Cancel(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Find(ctx context.Context, f JobFilter) ([]domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)

	LeaseNext(ctx context.Context, now time.Time) (domain.Job, error)
	Succeed(ctx context.Context, id string, now time.Time) error
	Fail(ctx context.Context, id, reason string, now time.Time) error
	Requeue(ctx context.Context, id string, at time.Time) error
	RecoverStale(ctx context.Context, now time.Time, lockLifetime time.Duration) (int, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

const jobColumns = `id,name,campaign_id,state,next_run_at,locked_at,last_run_at,last_finished_at,failed_at,fail_reason,fail_count,created_at,updated_at`

func (r *sqliteRepo) ScheduleAt(ctx context.Context, at time.Time, name, campaignID string) (domain.Job, error) {
	now := r.now()
	j := domain.Job{
		ID:         "job_" + uuid.NewString(),
		Name:       name,
		CampaignID: campaignID,
		State:      domain.JobQueued,
		NextRunAt:  at,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,name,campaign_id,state,next_run_at,created_at,updated_at)
VALUES (?,?,?,'queued',?,?,?)
`, j.ID, j.Name, j.CampaignID, at.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (r *sqliteRepo) ScheduleNow(ctx context.Context, name, campaignID string) (domain.Job, error) {
	return r.ScheduleAt(ctx, r.now(), name, campaignID)
}

// Cancel releases the job's lock and stops it from ever firing again. A worker
// already running it finishes its current check interval and exits.
func (r *sqliteRepo) Cancel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='canceled', locked_at=NULL, updated_at=?
WHERE id=? AND state IN ('queued','running')`, r.now().UnixMilli(), id)
	return err
}

func (r *sqliteRepo) Remove(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM jobs WHERE id=?", id)
	return err
}

func (r *sqliteRepo) Find(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.CampaignID != "" {
		where = append(where, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.Name != "" {
		where = append(where, "name=?")
		args = append(args, f.Name)
	}
	if f.LiveOnly {
		where = append(where, "state IN ('queued','running')")
	}
	q := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY next_run_at ASC, created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id=?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE state='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1
`, now.UnixMilli())
	var j domain.Job
	j, err = scanJob(row)
	if err == sql.ErrNoRows {
		err = tx.Rollback()
		if err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='running', locked_at=?, last_run_at=?, updated_at=?
WHERE id=? AND state='queued'`, now.UnixMilli(), now.UnixMilli(), now.UnixMilli(), j.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobRunning
	j.LockedAt = &now
	j.LastRunAt = &now
	return j, nil
}

// Succeed finishes a running job. Jobs cancelled mid-run keep their state.
func (r *sqliteRepo) Succeed(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='succeeded', locked_at=NULL, last_finished_at=?, updated_at=?
WHERE id=? AND state='running'`, now.UnixMilli(), now.UnixMilli(), id)
	return err
}

// Fail is a hard failure: the job is not retried.
func (r *sqliteRepo) Fail(ctx context.Context, id, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = CASE WHEN state='running' THEN 'failed' ELSE state END,
    locked_at=NULL, last_finished_at=?, failed_at=?, fail_reason=?, fail_count=fail_count+1, updated_at=?
WHERE id=?`, now.UnixMilli(), now.UnixMilli(), reason, now.UnixMilli(), id)
	return err
}

// Requeue releases a running job's lease and makes it due again at at.
func (r *sqliteRepo) Requeue(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='queued', locked_at=NULL, next_run_at=?, updated_at=?
WHERE id=? AND state='running'`, at.UnixMilli(), r.now().UnixMilli(), id)
	return err
}

// RecoverStale returns jobs whose lock outlived lockLifetime to the queue so
// another worker can pick them up (e.g. after a crash).
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time, lockLifetime time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='queued', locked_at=NULL, next_run_at=?, updated_at=?
WHERE state='running' AND locked_at IS NOT NULL AND locked_at < ?`,
		now.UnixMilli(), now.UnixMilli(), now.Add(-lockLifetime).UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var j domain.Job
	var state string
	var next, created, updated int64
	var locked, lastRun, lastFinished, failedAt sql.NullInt64
	if err := s.Scan(&j.ID, &j.Name, &j.CampaignID, &state, &next, &locked, &lastRun, &lastFinished, &failedAt, &j.FailReason, &j.FailCount, &created, &updated); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobState(state)
	j.NextRunAt = time.UnixMilli(next)
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	j.LockedAt = msPtr(locked)
	j.LastRunAt = msPtr(lastRun)
	j.LastFinishedAt = msPtr(lastFinished)
	j.FailedAt = msPtr(failedAt)
	return j, nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
