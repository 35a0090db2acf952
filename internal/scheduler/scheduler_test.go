package scheduler

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
	"bulkflow/internal/queue"
)

type refs map[string]string

func (r refs) SetJobRef(_ context.Context, id, jobRef string) error {
	r[id] = jobRef
	return nil
}

func newScheduler(t *testing.T, now time.Time) (*Scheduler, refs) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	r := refs{}
	s := New(queue.NewSQLiteRepo(db), r)
	s.now = func() time.Time { return now }
	return s, r
}

func TestArm(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    domain.CampaignKind
		sched   domain.Schedule
		wantAt  time.Time
		wantJob string
	}{
		{name: "immediate", kind: domain.KindBulk, sched: domain.Schedule{Kind: domain.ScheduleImmediate}, wantAt: now, wantJob: domain.JobBulk},
		{name: "future start", kind: domain.KindSingle, sched: domain.Schedule{Kind: domain.ScheduleAt, StartAt: now.Add(2 * time.Hour)}, wantAt: now.Add(2 * time.Hour), wantJob: domain.JobBulk},
		{name: "past start runs now", kind: domain.KindBulk, sched: domain.Schedule{Kind: domain.ScheduleAt, StartAt: now.Add(-time.Hour)}, wantAt: now, wantJob: domain.JobBulk},
		{name: "recurring", kind: domain.KindRecurring, sched: domain.Schedule{Kind: domain.ScheduleRecurring, StartAt: now.Add(time.Minute), Frequency: domain.Daily}, wantAt: now.Add(time.Minute), wantJob: domain.JobRecurring},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := newScheduler(t, now)
			c := &domain.Campaign{ID: "cmp_1", Kind: tt.kind, Schedule: tt.sched}
			job, err := s.Arm(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJob, job.Name)
			assert.True(t, job.NextRunAt.Equal(tt.wantAt), "run at %s, want %s", job.NextRunAt, tt.wantAt)
			assert.Equal(t, job.ID, c.JobRef)
			assert.Equal(t, job.ID, r["cmp_1"])
		})
	}
}

func TestDisarm(t *testing.T) {
	now := time.Now()
	ctx := context.Background()
	s, _ := newScheduler(t, now)
	c := &domain.Campaign{ID: "cmp_1", Kind: domain.KindBulk, Schedule: domain.Schedule{Kind: domain.ScheduleImmediate}}

	first, err := s.Arm(ctx, c)
	require.NoError(t, err)
	n, err := s.Disarm(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j, err := s.Jobs().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, j.State)

	second, err := s.Arm(ctx, c)
	require.NoError(t, err)
	n, err = s.Disarm(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Jobs().Get(ctx, second.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNextCycle(t *testing.T) {
	last := time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC), NextCycle(last, domain.Daily))
	assert.Equal(t, time.Date(2026, 2, 7, 9, 30, 0, 0, time.UTC), NextCycle(last, domain.Weekly))
	// AddDate normalises Feb 31 to Mar 3.
	assert.Equal(t, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC), NextCycle(last, domain.Monthly))
}
