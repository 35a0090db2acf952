package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bulkflow/internal/domain"
)

func (s *SQLite) CreateList(ctx context.Context, ownerID, name string) (string, error) {
	id := "lst_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO lists (id,owner_id,name,created_at) VALUES (?,?,?,?)`,
		id, ownerID, name, s.now().UnixMilli())
	return id, err
}

func (s *SQLite) ListOwner(ctx context.Context, listID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM lists WHERE id=?`, listID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)
	}
	return owner, err
}

// RecipientOwner returns the owner of the list a recipient belongs to.
func (s *SQLite) RecipientOwner(ctx context.Context, recipientID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
SELECT l.owner_id FROM recipients r JOIN lists l ON l.id=r.list_id WHERE r.id=?`, recipientID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("recipient %s: %w", recipientID, domain.ErrNotFound)
	}
	return owner, err
}

func (s *SQLite) AddRecipient(ctx context.Context, r *domain.Recipient) error {
	if r.ID == "" {
		r.ID = "rcp_" + uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO recipients (id,list_id,email,name,fields,unsubscribed,unsubscribed_at,created_at)
VALUES (?,?,?,?,?,?,?,?)`, r.ID, r.ListID, r.Email, r.Name, string(fields), r.Unsubscribed, nullMs(r.UnsubscribedAt), r.CreatedAt.UnixMilli())
	return err
}

func (s *SQLite) Unsubscribe(ctx context.Context, recipientID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE recipients SET unsubscribed=1, unsubscribed_at=? WHERE id=?`, at.UnixMilli(), recipientID)
	return err
}

func (s *SQLite) RemoveRecipient(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id=?`, recipientID)
	return err
}

// ListActiveRecipients returns subscribed recipients of the given lists in
// creation order (oldest first unless order is newest).
func (s *SQLite) ListActiveRecipients(ctx context.Context, listIDs []string, order domain.SortOrder) ([]domain.Recipient, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}
	dir := "ASC"
	if order == domain.Newest {
		dir = "DESC"
	}
	args := make([]any, len(listIDs))
	for i, l := range listIDs {
		args[i] = l
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,list_id,email,name,fields,created_at FROM recipients
WHERE unsubscribed=0 AND list_id IN (`+placeholders(len(listIDs))+`)
ORDER BY created_at `+dir+`, seq `+dir, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		var fields string
		var created int64
		if err := rows.Scan(&r.ID, &r.ListID, &r.Email, &r.Name, &fields, &created); err != nil {
			return nil, err
		}
		if fields != "" && fields != "null" {
			if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
				return nil, fmt.Errorf("recipient %s fields: %w", r.ID, err)
			}
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
