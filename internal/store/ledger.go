package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bulkflow/internal/domain"
)

func (s *SQLite) Append(ctx context.Context, e domain.LedgerEntry) error {
	if e.ID == "" {
		e.ID = "led_" + uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger (id,campaign_id,recipient_id,channel_id,outcome,error,at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.CampaignID, e.RecipientID, e.ChannelID, string(e.Outcome), e.Error, e.At.UnixMilli())
	return err
}

// SentRecipientIDs is the set of recipients already served by a campaign.
func (s *SQLite) SentRecipientIDs(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	return s.recipientSet(ctx, `SELECT DISTINCT recipient_id FROM ledger WHERE campaign_id=? AND outcome='sent'`, campaignID)
}

// AttemptedRecipientIDs includes failed attempts; bulk executions skip them
// because they are already counted.
func (s *SQLite) AttemptedRecipientIDs(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	return s.recipientSet(ctx, `SELECT DISTINCT recipient_id FROM ledger WHERE campaign_id=?`, campaignID)
}

func (s *SQLite) recipientSet(ctx context.Context, q, campaignID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *SQLite) Entries(ctx context.Context, campaignID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,campaign_id,recipient_id,channel_id,outcome,error,at FROM ledger WHERE campaign_id=? ORDER BY at, rowid`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var outcome string
		var at int64
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.RecipientID, &e.ChannelID, &outcome, &e.Error, &at); err != nil {
			return nil, err
		}
		e.Outcome = domain.Outcome(outcome)
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
