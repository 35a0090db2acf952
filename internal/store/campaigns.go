package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulkflow/internal/domain"
)

const campaignColumns = `id,owner_id,kind,name,subject,body,schedule_kind,start_at,frequency,end_at,sort_order,batch_size,
status,total_recipients,sent_count,failed_count,remaining_count,job_ref,channel_cursor,last_error,started_at,last_executed_at,completed_at,created_at,updated_at`

func (s *SQLite) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = "cmp_" + uuid.NewString()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	startAt := c.Schedule.StartAt
	_, err = tx.ExecContext(ctx, `
INSERT INTO campaigns (id,owner_id,kind,name,subject,body,schedule_kind,start_at,frequency,end_at,sort_order,batch_size,
  status,total_recipients,sent_count,failed_count,remaining_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, string(c.Kind), c.Name, c.Subject, c.Body, string(c.Schedule.Kind), nullMs(&startAt),
		string(c.Schedule.Frequency), nullMs(c.Schedule.EndAt), string(c.Schedule.SortOrder), c.Schedule.BatchSize,
		string(c.Status), c.TotalRecipients, c.SentCount, c.FailedCount, c.RemainingCount, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	for i, l := range c.ListIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_lists (campaign_id,position,list_id) VALUES (?,?,?)`, c.ID, i, l); err != nil {
			return fmt.Errorf("insert campaign list: %w", err)
		}
	}
	for i, ch := range c.Channels {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO campaign_channels (campaign_id,position,channel_id,per_execution_limit,sent_this_execution,delay)
VALUES (?,?,?,?,?,?)`, c.ID, i, ch.ChannelID, ch.PerExecutionLimit, ch.SentThisExecution, ch.Delay); err != nil {
			return fmt.Errorf("insert campaign channel: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id=?", id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLite) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id=?", id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	return domain.Status(st), err
}

func (s *SQLite) ListCampaigns(ctx context.Context, f CampaignFilter) ([]*domain.Campaign, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	q := "SELECT " + campaignColumns + " FROM campaigns"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		if err := s.loadChildren(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TransitionStatus is a compare-and-set on the status column.
func (s *SQLite) TransitionStatus(ctx context.Context, id string, from, to domain.Status, opts TransitionOpts) error {
	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(to), s.now().UnixMilli()}
	if opts.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, opts.CompletedAt.UnixMilli())
	}
	if opts.LastError != nil {
		sets = append(sets, "last_error=?")
		args = append(args, *opts.LastError)
	}
	if opts.ClearJobRef {
		sets = append(sets, "job_ref=''")
	}
	if opts.ClearCompletedAt {
		sets = append(sets, "completed_at=NULL")
	}
	if opts.Settle {
		sets = append(sets, "total_recipients=sent_count+failed_count", "remaining_count=0")
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, "UPDATE campaigns SET "+strings.Join(sets, ", ")+" WHERE id=? AND status=?", args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetStatus(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLite) SetJobRef(ctx context.Context, id, jobRef string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET job_ref=?, updated_at=? WHERE id=?`, jobRef, s.now().UnixMilli(), id)
	return err
}

// InitAudience sizes a bulk campaign on its first execution. Later executions
// (resume, recovery) keep the counters they already have.
func (s *SQLite) InitAudience(ctx context.Context, id string, total int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE campaigns
SET total_recipients=?, remaining_count=?, started_at=?, updated_at=?
WHERE id=? AND started_at IS NULL`, total, total, at.UnixMilli(), s.now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Reconcile rebuilds a bulk campaign's counters, per-channel usage and
// failure list from the ledger. An execution that stopped without flushing
// its buffered counts (crash, lost lease) leaves the ledger ahead of them.
func (s *SQLite) Reconcile(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var sent, failed int
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(outcome='sent'),0), COALESCE(SUM(outcome='failed'),0) FROM ledger WHERE campaign_id=?`, id).Scan(&sent, &failed); err != nil {
		return fmt.Errorf("count ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE campaigns
SET sent_count=?, failed_count=?, total_recipients=MAX(total_recipients, ?), remaining_count=MAX(total_recipients, ?)-?, updated_at=?
WHERE id=?`, sent, failed, sent+failed, sent+failed, sent+failed, s.now().UnixMilli(), id); err != nil {
		return fmt.Errorf("reconcile counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE campaign_channels
SET sent_this_execution=(SELECT COUNT(*) FROM ledger l WHERE l.campaign_id=campaign_channels.campaign_id
  AND l.channel_id=campaign_channels.channel_id AND l.outcome='sent')
WHERE campaign_id=?`, id); err != nil {
		return fmt.Errorf("reconcile channel usage: %w", err)
	}
	if err := rebuildFailures(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// rebuildFailures replaces the failure list with the ledger's failed entries.
// Recipients deleted since keep their id in place of the address.
func rebuildFailures(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_failures WHERE campaign_id=?`, id); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO campaign_failures (campaign_id,email,error,at)
SELECT l.campaign_id, COALESCE(r.email, l.recipient_id), l.error, l.at
FROM ledger l LEFT JOIN recipients r ON r.id=l.recipient_id
WHERE l.campaign_id=? AND l.outcome='failed'
ORDER BY l.at, l.rowid`, id); err != nil {
		return fmt.Errorf("rebuild failures: %w", err)
	}
	return nil
}

// StartCycle resets per-channel usage and resizes a recurring campaign around
// the current pending set: Total = Sent + Failed + Pending. Failed recipients
// that are pending again count as remaining, not failed.
func (s *SQLite) StartCycle(ctx context.Context, id string, cycle Cycle, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE campaign_channels SET sent_this_execution=0 WHERE campaign_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE campaigns
SET sent_count=?, failed_count=?, remaining_count=?, total_recipients=?, started_at=COALESCE(started_at, ?), updated_at=?
WHERE id=?`, cycle.Sent, cycle.Failed, cycle.Pending, cycle.Sent+cycle.Failed+cycle.Pending,
		at.UnixMilli(), s.now().UnixMilli(), id); err != nil {
		return err
	}
	if err := rebuildFailures(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyDelta moves counts from remaining to sent/failed and records failures
// in one transaction.
func (s *SQLite) ApplyDelta(ctx context.Context, id string, d Delta) error {
	if d.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE campaigns
SET sent_count=sent_count+?, failed_count=failed_count+?, remaining_count=remaining_count-?, updated_at=?
WHERE id=?`, d.Sent, d.Failed, d.Sent+d.Failed, s.now().UnixMilli(), id); err != nil {
		return fmt.Errorf("apply counters: %w", err)
	}
	for chID, n := range d.ChannelSent {
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE campaign_channels SET sent_this_execution=sent_this_execution+? WHERE campaign_id=? AND channel_id=?`, n, id, chID); err != nil {
			return fmt.Errorf("apply channel usage: %w", err)
		}
	}
	for _, f := range d.Failures {
		if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_failures (campaign_id,email,error,at) VALUES (?,?,?,?)`,
			id, f.Email, f.Error, f.At.UnixMilli()); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET last_executed_at=?, updated_at=? WHERE id=?`, at.UnixMilli(), s.now().UnixMilli(), id)
	return err
}

func (s *SQLite) SetChannelCursor(ctx context.Context, id string, cursor int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET channel_cursor=? WHERE id=?`, cursor, id)
	return err
}

// ClaimExecution records jobID as the one execution running for a campaign.
// It reports false when another job holds the claim.
func (s *SQLite) ClaimExecution(ctx context.Context, id, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE campaigns SET executing_job=? WHERE id=? AND (executing_job='' OR executing_job=?)`, jobID, id, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) ReleaseExecution(ctx context.Context, id, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET executing_job='' WHERE id=? AND executing_job=?`, id, jobID)
	return err
}

// ReleaseExecutions drops every claim. Only safe before any worker runs.
func (s *SQLite) ReleaseExecutions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET executing_job='' WHERE executing_job<>''`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) SetChannelLimit(ctx context.Context, id, channelID string, limit int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaign_channels SET per_execution_limit=? WHERE campaign_id=? AND channel_id=?`, limit, id, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s on campaign %s: %w", channelID, id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLite) loadChildren(ctx context.Context, c *domain.Campaign) error {
	rows, err := s.db.QueryContext(ctx, `SELECT list_id FROM campaign_lists WHERE campaign_id=? ORDER BY position`, c.ID)
	if err != nil {
		return err
	}
	c.ListIDs = nil
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			rows.Close()
			return err
		}
		c.ListIDs = append(c.ListIDs, l)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
SELECT channel_id,per_execution_limit,sent_this_execution,delay FROM campaign_channels WHERE campaign_id=? ORDER BY position`, c.ID)
	if err != nil {
		return err
	}
	c.Channels = nil
	for rows.Next() {
		var a domain.ChannelAllocation
		if err := rows.Scan(&a.ChannelID, &a.PerExecutionLimit, &a.SentThisExecution, &a.Delay); err != nil {
			rows.Close()
			return err
		}
		c.Channels = append(c.Channels, a)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT email,error,at FROM campaign_failures WHERE campaign_id=? ORDER BY seq`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.FailedRecipients = nil
	for rows.Next() {
		var f domain.FailedRecipient
		var at int64
		if err := rows.Scan(&f.Email, &f.Error, &at); err != nil {
			return err
		}
		f.At = time.UnixMilli(at)
		c.FailedRecipients = append(c.FailedRecipients, f)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (*domain.Campaign, error) {
	var c domain.Campaign
	var kind, schedKind, freq, order, status string
	var created, updated int64
	var startAt, endAt, started, lastExec, completed sql.NullInt64
	err := s.Scan(&c.ID, &c.OwnerID, &kind, &c.Name, &c.Subject, &c.Body, &schedKind, &startAt, &freq, &endAt, &order, &c.Schedule.BatchSize,
		&status, &c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.RemainingCount, &c.JobRef, &c.ChannelCursor, &c.LastError,
		&started, &lastExec, &completed, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Kind = domain.CampaignKind(kind)
	c.Schedule.Kind = domain.ScheduleKind(schedKind)
	if startAt.Valid {
		c.Schedule.StartAt = time.UnixMilli(startAt.Int64)
	}
	c.Schedule.Frequency = domain.Frequency(freq)
	c.Schedule.EndAt = msPtr(endAt)
	c.Schedule.SortOrder = domain.SortOrder(order)
	c.Status = domain.Status(status)
	c.StartedAt = msPtr(started)
	c.LastExecutedAt = msPtr(lastExec)
	c.CompletedAt = msPtr(completed)
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
