package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/garnizeh/nudge/internal/models"
)

const syncColumns = `id, kind, external_id, payload, payload_hash, attempt, next_run_at, last_error, created`

// EnqueueSync inserts an outbox row and returns the new ID. A zero NextRunAt
// makes the row ready immediately.
func (r *SQLiteRepo) EnqueueSync(ctx context.Context, item *models.SyncQueueItem) (int64, error) {
	if item == nil {
		return 0, fmt.Errorf("sync item is nil")
	}
	return enqueueSync(ctx, r.conn.GetConn(), item)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func enqueueSync(ctx context.Context, ex execer, item *models.SyncQueueItem) (int64, error) {
	created := now()
	next := created
	if !item.NextRunAt.IsZero() {
		next = toMillis(item.NextRunAt)
	}
	payload := string(item.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO sync_queue (kind, external_id, payload, payload_hash, attempt, next_run_at, created) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(item.Kind), item.ExternalID, payload, item.PayloadHash, item.Attempt, next, created)
	if err != nil {
		return 0, fmt.Errorf("enqueue failed: %w", err)
	}

	return res.LastInsertId()
}

// ClaimReady leases up to limit rows whose next_run_at <= now, oldest first by
// (next_run_at, id). Each row is taken with a compare-and-swap on its
// next_run_at, so a concurrent drainer that read the same candidates claims
// none of the rows this call won.
func (r *SQLiteRepo) ClaimReady(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.SyncQueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []models.SyncQueueItem
	err := r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+syncColumns+` FROM sync_queue WHERE next_run_at <= ? ORDER BY next_run_at ASC, id ASC LIMIT ?`,
			toMillis(now), limit)
		if err != nil {
			return fmt.Errorf("select ready: %w", err)
		}
		candidates, err := scanSyncItems(rows)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			res, err := tx.ExecContext(ctx,
				`UPDATE sync_queue SET next_run_at = ? WHERE id = ? AND next_run_at = ?`,
				toMillis(leaseUntil), c.ID, toMillis(c.NextRunAt))
			if err != nil {
				return fmt.Errorf("lease item %d: %w", c.ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			c.NextRunAt = leaseUntil.UTC().Truncate(time.Millisecond)
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim ready: %w", err)
	}

	return claimed, nil
}

func (r *SQLiteRepo) DeleteSyncItem(ctx context.Context, id int64) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// RescheduleSyncItem updates attempt, next_run_at and last_error
func (r *SQLiteRepo) RescheduleSyncItem(ctx context.Context, id int64, attempt int, nextRunAt time.Time, lastError string) error {
	_, err := r.conn.Exec(ctx,
		`UPDATE sync_queue SET attempt = ?, next_run_at = ?, last_error = ? WHERE id = ?`,
		attempt, toMillis(nextRunAt), lastError, id)
	return err
}

// ListSyncItems returns outbox rows in claim order. onlyFailing restricts
// the result to rows that failed at least once.
func (r *SQLiteRepo) ListSyncItems(ctx context.Context, onlyFailing bool, limit int) ([]models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + syncColumns + ` FROM sync_queue`
	if onlyFailing {
		q += ` WHERE attempt > 0`
	}
	q += ` ORDER BY next_run_at ASC, id ASC LIMIT ?`

	rows, err := r.conn.QueryRows(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return scanSyncItems(rows)
}

func (r *SQLiteRepo) QueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	st := &models.QueueStats{ByKind: map[string]int{}}
	var oldest sql.NullInt64
	row := r.conn.QueryRow(ctx,
		`SELECT COUNT(1),
		        COALESCE(SUM(CASE WHEN next_run_at <= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN attempt > 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(MAX(attempt), 0),
		        MIN(CASE WHEN next_run_at <= ? THEN next_run_at END)
		   FROM sync_queue`, toMillis(now), toMillis(now))
	if err := row.Scan(&st.Total, &st.Ready, &st.Failing, &st.MaxAttempt, &oldest); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	st.OldestReady = nullTime(oldest)

	rows, err := r.conn.QueryRows(ctx, `SELECT kind, COUNT(1) FROM sync_queue GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("queue stats by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		st.ByKind[kind] = n
	}

	return st, rows.Err()
}

func scanSyncItems(rows *sql.Rows) ([]models.SyncQueueItem, error) {
	defer rows.Close()

	var out []models.SyncQueueItem
	for rows.Next() {
		var (
			it        models.SyncQueueItem
			kind      string
			payload   string
			nextRunAt int64
			lastError sql.NullString
			created   int64
		)
		if err := rows.Scan(&it.ID, &kind, &it.ExternalID, &payload, &it.PayloadHash, &it.Attempt, &nextRunAt, &lastError, &created); err != nil {
			return nil, err
		}
		it.Kind = models.QueueKind(kind)
		it.Payload = json.RawMessage(payload)
		it.NextRunAt = fromMillis(nextRunAt)
		it.Created = fromMillis(created)
		if lastError.Valid {
			it.LastError = lastError.String
		}
		out = append(out, it)
	}

	return out, rows.Err()
}
