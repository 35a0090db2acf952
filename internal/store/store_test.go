package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"bulkflow/internal/domain"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLite(db)
}

func newCampaign(t *testing.T, s *SQLite, listID string) *domain.Campaign {
	t.Helper()
	c, err := domain.NewCampaign("owner-1", domain.KindBulk, "launch", "Hi {{name}}", "Body", []string{listID},
		[]domain.ChannelAllocation{{ChannelID: "smtp-a", PerExecutionLimit: 5}, {ChannelID: "smtp-b", PerExecutionLimit: 5}},
		domain.Schedule{Kind: domain.ScheduleImmediate})
	require.NoError(t, err)
	require.NoError(t, s.CreateCampaign(context.Background(), c))
	return c
}

func TestCampaignRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := newCampaign(t, s, "lst_1")

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, []string{"lst_1"}, got.ListIDs)
	require.Len(t, got.Channels, 2)
	assert.Equal(t, "smtp-b", got.Channels[1].ChannelID)
	assert.Equal(t, domain.Oldest, got.Schedule.SortOrder)

	_, err = s.GetCampaign(ctx, "cmp_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := newCampaign(t, s, "lst_1")

	now := time.Now()
	require.NoError(t, s.TransitionStatus(ctx, c.ID, domain.StatusProcessing, domain.StatusPaused, TransitionOpts{}))
	err := s.TransitionStatus(ctx, c.ID, domain.StatusProcessing, domain.StatusCompleted, TransitionOpts{CompletedAt: &now})
	assert.ErrorIs(t, err, ErrStatusConflict)

	st, err := s.GetStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, st)
}

func TestApplyDeltaKeepsInvariantUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := newCampaign(t, s, "lst_1")

	applied, err := s.InitAudience(ctx, c.ID, 200, time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = s.InitAudience(ctx, c.ID, 999, time.Now())
	require.NoError(t, err)
	assert.False(t, applied, "audience is sized only once")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		ch := "smtp-a"
		if w%2 == 1 {
			ch = "smtp-b"
		}
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				d := Delta{Sent: 4, Failed: 1, ChannelSent: map[string]int{ch: 4},
					Failures: []domain.FailedRecipient{{Email: "x@example.com", Error: "boom", At: time.Now()}}}
				assert.NoError(t, s.ApplyDelta(ctx, c.ID, d))
			}
		}(ch)
	}
	wg.Wait()

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 160, got.SentCount)
	assert.Equal(t, 40, got.FailedCount)
	assert.Equal(t, 0, got.RemainingCount)
	assert.Equal(t, got.TotalRecipients, got.SentCount+got.FailedCount+got.RemainingCount)
	assert.Len(t, got.FailedRecipients, 40)
	assert.Equal(t, 80, got.Channels[0].SentThisExecution)
	assert.Equal(t, 80, got.Channels[1].SentThisExecution)
}

func TestStartCycleResizesFromLedgerCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := newCampaign(t, s, "lst_1")

	require.NoError(t, s.StartCycle(ctx, c.ID, Cycle{Pending: 10}, time.Now()))
	require.NoError(t, s.ApplyDelta(ctx, c.ID, Delta{Sent: 3, Failed: 1, ChannelSent: map[string]int{"smtp-a": 3}}))
	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.TotalRecipients)
	assert.Equal(t, 6, got.RemainingCount)

	// the failed recipient is pending again, so it is not counted twice
	require.NoError(t, s.StartCycle(ctx, c.ID, Cycle{Sent: 3, Pending: 7}, time.Now()))
	got, err = s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Channels[0].SentThisExecution)
	assert.Equal(t, 3, got.SentCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Equal(t, 7, got.RemainingCount)
	assert.Equal(t, 10, got.TotalRecipients)
	assert.Equal(t, got.TotalRecipients, got.SentCount+got.FailedCount+got.RemainingCount)
}

func TestReconcileRebuildsCountersFromLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	listID, err := s.CreateList(ctx, "owner-1", "news")
	require.NoError(t, err)
	c := newCampaign(t, s, listID)
	_, err = s.InitAudience(ctx, c.ID, 10, time.Now())
	require.NoError(t, err)

	// two sends were flushed, the rest of the ledger never reached the counters
	require.NoError(t, s.ApplyDelta(ctx, c.ID, Delta{Sent: 2, ChannelSent: map[string]int{"smtp-a": 2}}))
	var failedID string
	for i := 0; i < 5; i++ {
		r, err := domain.NewRecipient(listID, fmt.Sprintf("r%d@example.com", i), "", nil)
		require.NoError(t, err)
		require.NoError(t, s.AddRecipient(ctx, r))
		ch := "smtp-a"
		if i%2 == 1 {
			ch = "smtp-b"
		}
		var sendErr error
		if i == 4 {
			sendErr, failedID = assert.AnError, r.ID
		}
		e, err := domain.NewLedgerEntry(c.ID, r.ID, ch, sendErr, time.Now())
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, e))
	}
	require.NotEmpty(t, failedID)

	require.NoError(t, s.Reconcile(ctx, c.ID))
	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 5, got.RemainingCount)
	assert.Equal(t, 10, got.TotalRecipients)
	assert.Equal(t, 2, got.Channels[0].SentThisExecution)
	assert.Equal(t, 2, got.Channels[1].SentThisExecution)
	require.Len(t, got.FailedRecipients, 1)
	assert.Equal(t, "r4@example.com", got.FailedRecipients[0].Email)
	assert.Equal(t, assert.AnError.Error(), got.FailedRecipients[0].Error)

	// idempotent
	require.NoError(t, s.Reconcile(ctx, c.ID))
	again, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, got.SentCount, again.SentCount)
	assert.Len(t, again.FailedRecipients, 1)
}

func TestExecutionClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := newCampaign(t, s, "lst_1")

	ok, err := s.ClaimExecution(ctx, c.ID, "job_1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimExecution(ctx, c.ID, "job_2")
	require.NoError(t, err)
	assert.False(t, ok, "held by job_1")
	ok, err = s.ClaimExecution(ctx, c.ID, "job_1")
	require.NoError(t, err)
	assert.True(t, ok, "the holder may claim again")

	require.NoError(t, s.ReleaseExecution(ctx, c.ID, "job_2"))
	ok, err = s.ClaimExecution(ctx, c.ID, "job_2")
	require.NoError(t, err)
	assert.False(t, ok, "only the holder releases")

	require.NoError(t, s.ReleaseExecution(ctx, c.ID, "job_1"))
	ok, err = s.ClaimExecution(ctx, c.ID, "job_2")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.ReleaseExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err = s.ClaimExecution(ctx, c.ID, "job_3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChannelCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := newCampaign(t, s, "lst_1")
	require.NoError(t, s.SetChannelCursor(ctx, c.ID, 1))
	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChannelCursor)
}

func TestListActiveRecipientsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	listID, err := s.CreateList(ctx, "owner-1", "news")
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		r, err := domain.NewRecipient(listID, email, "", map[string]string{"plan": "pro"})
		require.NoError(t, err)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.AddRecipient(ctx, r))
		ids = append(ids, r.ID)
	}
	require.NoError(t, s.Unsubscribe(ctx, ids[1], time.Now()))

	oldest, err := s.ListActiveRecipients(ctx, []string{listID}, domain.Oldest)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, ids[0], oldest[0].ID)
	assert.Equal(t, "pro", oldest[0].Fields["plan"])

	newest, err := s.ListActiveRecipients(ctx, []string{listID}, domain.Newest)
	require.NoError(t, err)
	assert.Equal(t, ids[2], newest[0].ID)

	owner, err := s.ListOwner(ctx, listID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)
}

func TestLedgerSets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sent, _ := domain.NewLedgerEntry("cmp_1", "rcp_1", "smtp-a", nil, time.Now())
	failed, _ := domain.NewLedgerEntry("cmp_1", "rcp_2", "smtp-a", assert.AnError, time.Now())
	other, _ := domain.NewLedgerEntry("cmp_2", "rcp_3", "smtp-a", nil, time.Now())
	for _, e := range []domain.LedgerEntry{sent, failed, other} {
		require.NoError(t, s.Append(ctx, e))
	}

	served, err := s.SentRecipientIDs(ctx, "cmp_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"rcp_1": {}}, served)

	attempted, err := s.AttemptedRecipientIDs(ctx, "cmp_1")
	require.NoError(t, err)
	assert.Len(t, attempted, 2)

	entries, err := s.Entries(ctx, "cmp_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OutcomeFailed, entries[1].Outcome)
	assert.Equal(t, assert.AnError.Error(), entries[1].Error)
}
