package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/nudge/internal/models"
)

// GetTracking returns nil, nil when no row exists for externalID.
func (r *SQLiteRepo) GetTracking(ctx context.Context, externalID string) (*models.SyncTrackingRow, error) {
	row := r.conn.QueryRow(ctx,
		`SELECT external_id, chat_id, scope, key, remote_doc_id, last_pushed_hash, last_pushed_at, last_seen_remote_edited_at
		   FROM sync_tracking WHERE external_id = ?`, externalID)

	var (
		t        models.SyncTrackingRow
		docID    sql.NullString
		hash     sql.NullString
		pushedAt sql.NullInt64
		seenAt   sql.NullInt64
	)
	if err := row.Scan(&t.ExternalID, &t.ChatID, &t.Scope, &t.Key, &docID, &hash, &pushedAt, &seenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tracking: %w", err)
	}
	t.RemoteDocID = docID.String
	t.LastPushedHash = hash.String
	t.LastPushedAt = nullTime(pushedAt)
	t.LastSeenRemoteEditedAt = nullTime(seenAt)

	return &t, nil
}

// RecordPush stores the hash of a successful push. The remote document ID is
// only overwritten when the caller supplies one; the watermark is untouched.
func (r *SQLiteRepo) RecordPush(ctx context.Context, row models.SyncTrackingRow, hash string, pushedAt time.Time) error {
	_, err := r.conn.Exec(ctx,
		`INSERT INTO sync_tracking (external_id, chat_id, scope, key, remote_doc_id, last_pushed_hash, last_pushed_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   remote_doc_id = COALESCE(excluded.remote_doc_id, sync_tracking.remote_doc_id),
		   last_pushed_hash = excluded.last_pushed_hash,
		   last_pushed_at = excluded.last_pushed_at`,
		row.ExternalID, row.ChatID, row.Scope, row.Key, row.RemoteDocID, hash, toMillis(pushedAt))
	if err != nil {
		return fmt.Errorf("record push: %w", err)
	}
	return nil
}

// AdvanceWatermark moves last_seen_remote_edited_at forward. An older
// timestamp leaves the stored value in place.
func (r *SQLiteRepo) AdvanceWatermark(ctx context.Context, row models.SyncTrackingRow, remoteEditedAt time.Time) error {
	_, err := r.conn.Exec(ctx,
		`INSERT INTO sync_tracking (external_id, chat_id, scope, key, remote_doc_id, last_seen_remote_edited_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   remote_doc_id = COALESCE(excluded.remote_doc_id, sync_tracking.remote_doc_id),
		   last_seen_remote_edited_at = MAX(COALESCE(sync_tracking.last_seen_remote_edited_at, 0), excluded.last_seen_remote_edited_at)`,
		row.ExternalID, row.ChatID, row.Scope, row.Key, row.RemoteDocID, toMillis(remoteEditedAt))
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// MaxRemoteEditedAt returns the newest watermark over all keys, or nil when
// nothing was observed yet.
func (r *SQLiteRepo) MaxRemoteEditedAt(ctx context.Context) (*time.Time, error) {
	var v sql.NullInt64
	if err := r.conn.QueryRow(ctx, `SELECT MAX(last_seen_remote_edited_at) FROM sync_tracking`).Scan(&v); err != nil {
		return nil, fmt.Errorf("max remote edited at: %w", err)
	}
	return nullTime(v), nil
}
