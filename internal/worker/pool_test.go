package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"bulkflow/internal/domain"
	"bulkflow/internal/queue"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, queue.EnsureSchema(db))
	return db
}

func waitState(t *testing.T, repo queue.Repository, id string, want domain.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := repo.Get(context.Background(), id)
		return err == nil && j.State == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolRunsJobsAndRecordsOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)
	db := openDB(t)
	defer db.Close()
	repo := queue.NewSQLiteRepo(db)
	ctx := context.Background()

	seen := make(chan string, 4)
	handlers := map[string]Handler{
		domain.JobBulk: HandlerFunc(func(_ context.Context, j domain.Job) error {
			seen <- j.CampaignID
			return nil
		}),
		domain.JobRecurring: HandlerFunc(func(context.Context, domain.Job) error {
			return errors.New("audience unavailable")
		}),
	}
	ok, err := repo.ScheduleNow(ctx, domain.JobBulk, "cmp_ok")
	require.NoError(t, err)
	bad, err := repo.ScheduleNow(ctx, domain.JobRecurring, "cmp_bad")
	require.NoError(t, err)
	orphan, err := repo.ScheduleNow(ctx, "unknown", "cmp_x")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	pool := NewPool(repo, handlers, 2, 10*time.Millisecond, time.Minute)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	select {
	case id := <-seen:
		assert.Equal(t, "cmp_ok", id)
	case <-time.After(5 * time.Second):
		t.Fatal("bulk handler never ran")
	}
	waitState(t, repo, ok.ID, domain.JobSucceeded)
	waitState(t, repo, bad.ID, domain.JobFailed)
	waitState(t, repo, orphan.ID, domain.JobFailed)

	j, err := repo.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, "audience unavailable", j.FailReason)
	assert.Equal(t, 1, j.FailCount)

	cancel()
	<-done
}

func TestPoolLeavesInterruptedJobsLeased(t *testing.T) {
	defer goleak.VerifyNone(t)
	db := openDB(t)
	defer db.Close()
	repo := queue.NewSQLiteRepo(db)
	ctx := context.Background()

	started := make(chan struct{})
	handlers := map[string]Handler{
		domain.JobBulk: HandlerFunc(func(ctx context.Context, _ domain.Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	job, err := repo.ScheduleNow(ctx, domain.JobBulk, "cmp_1")
	require.NoError(t, err)

	pool := NewPool(repo, handlers, 1, 10*time.Millisecond, time.Minute)
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		pool.Run(runCtx)
		close(done)
	}()
	<-started
	pool.Stop()
	cancel()
	<-done

	j, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, j.State)
	assert.NotNil(t, j.LockedAt)
}

func TestPoolRequeuesDeferredJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	db := openDB(t)
	defer db.Close()
	repo := queue.NewSQLiteRepo(db)
	ctx := context.Background()

	calls := make(chan struct{}, 4)
	handlers := map[string]Handler{
		domain.JobBulk: HandlerFunc(func(context.Context, domain.Job) error {
			calls <- struct{}{}
			return Defer(time.Hour, "campaign busy")
		}),
	}
	job, err := repo.ScheduleNow(ctx, domain.JobBulk, "cmp_1")
	require.NoError(t, err)

	before := time.Now()
	pool := NewPool(repo, handlers, 1, 10*time.Millisecond, time.Minute)
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		pool.Run(runCtx)
		close(done)
	}()
	<-calls
	waitState(t, repo, job.ID, domain.JobQueued)
	cancel()
	<-done

	j, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, j.LockedAt)
	assert.Zero(t, j.FailCount)
	assert.True(t, j.NextRunAt.After(before.Add(59*time.Minute)))
	assert.Len(t, calls, 0, "a deferred job is not run again before it is due")
}
