// Package store persists campaigns, recipient lists and the delivery ledger
// in SQLite. Counter mutations are SQL increments applied in one transaction
// so concurrent flushes from several channel workers never lose updates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bulkflow/internal/domain"
)

// ErrStatusConflict is returned by TransitionStatus when the stored status no
// longer matches the expected one.
var ErrStatusConflict = errors.New("campaign status changed concurrently")

type CampaignFilter struct {
	OwnerID  string
	Statuses []domain.Status
	Kinds    []domain.CampaignKind
}

// TransitionOpts carries the timestamps stamped together with a status change.
type TransitionOpts struct {
	CompletedAt *time.Time
	LastError   *string
	ClearJobRef bool

	// ClearCompletedAt drops the completion stamp (resume after cancel).
	ClearCompletedAt bool
	// Settle folds any remaining count that no longer has an eligible
	// recipient behind it out of the total, leaving remaining at zero.
	Settle bool
}

// Delta is a batch of counter changes produced by the executor.
type Delta struct {
	Sent        int
	Failed      int
	ChannelSent map[string]int
	Failures    []domain.FailedRecipient
}

// Cycle sizes one recurring execution. Sent and Failed are derived from the
// ledger; Failed only counts recipients that are not pending again.
type Cycle struct {
	Sent    int
	Failed  int
	Pending int
}

func (d *Delta) Empty() bool { return d.Sent == 0 && d.Failed == 0 && len(d.Failures) == 0 }

func (d *Delta) Reset() {
	d.Sent, d.Failed = 0, 0
	d.ChannelSent = nil
	d.Failures = nil
}

type Campaigns interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	GetStatus(ctx context.Context, id string) (domain.Status, error)
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]*domain.Campaign, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.Status, opts TransitionOpts) error
	SetJobRef(ctx context.Context, id, jobRef string) error
	InitAudience(ctx context.Context, id string, total int, at time.Time) (bool, error)
	Reconcile(ctx context.Context, id string) error
	StartCycle(ctx context.Context, id string, cycle Cycle, at time.Time) error
	ApplyDelta(ctx context.Context, id string, d Delta) error
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	SetChannelLimit(ctx context.Context, id, channelID string, limit int) error
	SetChannelCursor(ctx context.Context, id string, cursor int) error
	ClaimExecution(ctx context.Context, id, jobID string) (bool, error)
	ReleaseExecution(ctx context.Context, id, jobID string) error
	ReleaseExecutions(ctx context.Context) (int, error)
}

type Recipients interface {
	CreateList(ctx context.Context, ownerID, name string) (string, error)
	ListOwner(ctx context.Context, listID string) (string, error)
	RecipientOwner(ctx context.Context, recipientID string) (string, error)
	AddRecipient(ctx context.Context, r *domain.Recipient) error
	Unsubscribe(ctx context.Context, recipientID string, at time.Time) error
	RemoveRecipient(ctx context.Context, recipientID string) error
	ListActiveRecipients(ctx context.Context, listIDs []string, order domain.SortOrder) ([]domain.Recipient, error)
}

type Ledger interface {
	Append(ctx context.Context, e domain.LedgerEntry) error
	SentRecipientIDs(ctx context.Context, campaignID string) (map[string]struct{}, error)
	AttemptedRecipientIDs(ctx context.Context, campaignID string) (map[string]struct{}, error)
	Entries(ctx context.Context, campaignID string) ([]domain.LedgerEntry, error)
}

// EnsureSchema creates all store tables. Times are unix milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS campaigns (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  subject TEXT NOT NULL,
  body TEXT NOT NULL,
  schedule_kind TEXT NOT NULL,
  start_at INTEGER,
  frequency TEXT NOT NULL DEFAULT '',
  end_at INTEGER,
  sort_order TEXT NOT NULL DEFAULT 'oldest',
  batch_size INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  total_recipients INTEGER NOT NULL DEFAULT 0,
  sent_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  remaining_count INTEGER NOT NULL DEFAULT 0,
  job_ref TEXT NOT NULL DEFAULT '',
  executing_job TEXT NOT NULL DEFAULT '',
  channel_cursor INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  started_at INTEGER,
  last_executed_at INTEGER,
  completed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_owner_status ON campaigns(owner_id, status);
CREATE TABLE IF NOT EXISTS campaign_lists (
  campaign_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  list_id TEXT NOT NULL,
  PRIMARY KEY (campaign_id, position)
);
CREATE TABLE IF NOT EXISTS campaign_channels (
  campaign_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  channel_id TEXT NOT NULL,
  per_execution_limit INTEGER NOT NULL,
  sent_this_execution INTEGER NOT NULL DEFAULT 0,
  delay INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (campaign_id, position),
  UNIQUE (campaign_id, channel_id)
);
CREATE TABLE IF NOT EXISTS campaign_failures (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  campaign_id TEXT NOT NULL,
  email TEXT NOT NULL,
  error TEXT NOT NULL,
  at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_campaign ON campaign_failures(campaign_id, seq);
CREATE TABLE IF NOT EXISTS lists (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS recipients (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  list_id TEXT NOT NULL,
  email TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  fields TEXT NOT NULL DEFAULT '{}',
  unsubscribed INTEGER NOT NULL DEFAULT 0,
  unsubscribed_at INTEGER,
  created_at INTEGER NOT NULL,
  UNIQUE (list_id, email)
);
CREATE INDEX IF NOT EXISTS idx_recipients_list ON recipients(list_id, unsubscribed, created_at);
CREATE TABLE IF NOT EXISTS ledger (
  id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('sent','failed')),
  error TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_campaign ON ledger(campaign_id, outcome, recipient_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	return nil
}

// SQLite implements Campaigns, Recipients and Ledger on one database handle.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db, now: time.Now} }

var (
	_ Campaigns  = (*SQLite)(nil)
	_ Recipients = (*SQLite)(nil)
	_ Ledger     = (*SQLite)(nil)
)

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullMs(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
