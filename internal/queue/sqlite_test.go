package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"bulkflow/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return db
}

func TestLeaseNextRespectsRunAt(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))
	now := time.Now()

	future, err := repo.ScheduleAt(ctx, now.Add(time.Hour), domain.JobBulk, "cmp_1")
	require.NoError(t, err)
	due, err := repo.ScheduleAt(ctx, now.Add(-time.Second), domain.JobBulk, "cmp_2")
	require.NoError(t, err)

	got, err := repo.LeaseNext(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, due.ID, got.ID)
	assert.Equal(t, domain.JobRunning, got.State)
	require.NotNil(t, got.LockedAt)

	_, err = repo.LeaseNext(ctx, now)
	assert.ErrorIs(t, err, ErrEmpty)

	got, err = repo.LeaseNext(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, future.ID, got.ID)
}

func TestSucceedAndFail(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))
	now := time.Now()

	a, _ := repo.ScheduleAt(ctx, now, domain.JobBulk, "cmp_a")
	b, _ := repo.ScheduleAt(ctx, now, domain.JobBulk, "cmp_b")
	_, err := repo.LeaseNext(ctx, now)
	require.NoError(t, err)
	_, err = repo.LeaseNext(ctx, now)
	require.NoError(t, err)

	require.NoError(t, repo.Succeed(ctx, a.ID, now))
	require.NoError(t, repo.Fail(ctx, b.ID, "audience fetch failed", now))

	ja, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, ja.State)
	assert.Nil(t, ja.LockedAt)
	assert.NotNil(t, ja.LastFinishedAt)

	jb, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, jb.State)
	assert.Equal(t, "audience fetch failed", jb.FailReason)
	assert.Equal(t, 1, jb.FailCount)
}

func TestCancelledJobIsNotLeasedOrSucceeded(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))
	now := time.Now()

	j, _ := repo.ScheduleNow(ctx, domain.JobBulk, "cmp_1")
	_, err := repo.LeaseNext(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, repo.Cancel(ctx, j.ID))
	require.NoError(t, repo.Succeed(ctx, j.ID, now))

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, got.State)

	live, err := repo.Find(ctx, JobFilter{CampaignID: "cmp_1", LiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestFindOrdersByNextRun(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))
	now := time.Now()

	late, _ := repo.ScheduleAt(ctx, now.Add(2*time.Minute), domain.JobRecurring, "cmp_1")
	early, _ := repo.ScheduleAt(ctx, now.Add(time.Minute), domain.JobRecurring, "cmp_1")
	_, _ = repo.ScheduleAt(ctx, now, domain.JobRecurring, "cmp_other")

	jobs, err := repo.Find(ctx, JobFilter{CampaignID: "cmp_1", LiveOnly: true})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early.ID, jobs[0].ID)
	assert.Equal(t, late.ID, jobs[1].ID)

	require.NoError(t, repo.Remove(ctx, early.ID))
	_, err = repo.Get(ctx, early.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))
	start := time.Now().Add(-time.Hour)

	j, _ := repo.ScheduleAt(ctx, start, domain.JobBulk, "cmp_1")
	_, err := repo.LeaseNext(ctx, start)
	require.NoError(t, err)

	n, err := repo.RecoverStale(ctx, start.Add(time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.RecoverStale(ctx, start.Add(30*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.State)
	assert.Nil(t, got.LockedAt)
}

func TestRequeueOnlyTouchesRunningJobs(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))
	start := time.Now().Add(-time.Hour)

	j, _ := repo.ScheduleAt(ctx, start, domain.JobBulk, "cmp_1")
	_, err := repo.LeaseNext(ctx, start)
	require.NoError(t, err)

	later := time.Now().Add(time.Minute)
	require.NoError(t, repo.Requeue(ctx, j.ID, later))
	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.State)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, later.UnixMilli(), got.NextRunAt.UnixMilli())

	_, err = repo.LeaseNext(ctx, time.Now())
	assert.ErrorIs(t, err, ErrEmpty, "not due before the requeue time")

	require.NoError(t, repo.Cancel(ctx, j.ID))
	require.NoError(t, repo.Requeue(ctx, j.ID, time.Now()))
	got, err = repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, got.State)
}
