package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/garnizeh/nudge/internal/models"
)

// InsertReminderIfAbsent inserts the ledger row for key and reports whether
// this call created it. The unique constraint on the key makes concurrent or
// overlapping callers race safely: exactly one of them sees true.
func (r *SQLiteRepo) InsertReminderIfAbsent(ctx context.Context, key models.ReminderKey, createdAt time.Time) (bool, error) {
	res, err := r.conn.Exec(ctx,
		`INSERT INTO sent_reminders (chat_id, subject_id, reminder_kind, remind_at, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, subject_id, reminder_kind, remind_at) DO NOTHING`,
		key.ChatID, key.SubjectID, string(key.Kind), toMillis(key.RemindAt), toMillis(createdAt))
	if err != nil {
		return false, fmt.Errorf("insert sent reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert sent reminder: %w", err)
	}

	return n == 1, nil
}

func (r *SQLiteRepo) DeleteReminder(ctx context.Context, key models.ReminderKey) error {
	_, err := r.conn.Exec(ctx,
		`DELETE FROM sent_reminders WHERE chat_id = ? AND subject_id = ? AND reminder_kind = ? AND remind_at = ?`,
		key.ChatID, key.SubjectID, string(key.Kind), toMillis(key.RemindAt))
	if err != nil {
		return fmt.Errorf("delete sent reminder: %w", err)
	}
	return nil
}

// ListSentReminders returns the newest ledger rows for a chat.
func (r *SQLiteRepo) ListSentReminders(ctx context.Context, chatID int64, limit int) ([]models.SentReminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn.QueryRows(ctx,
		`SELECT id, chat_id, subject_id, reminder_kind, remind_at, created_at FROM sent_reminders WHERE chat_id = ? ORDER BY remind_at DESC, id DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SentReminder
	for rows.Next() {
		var (
			s         models.SentReminder
			kind      string
			remindAt  int64
			createdAt int64
		)
		if err := rows.Scan(&s.ID, &s.ChatID, &s.SubjectID, &kind, &remindAt, &createdAt); err != nil {
			return nil, err
		}
		s.Kind = models.ReminderKind(kind)
		s.RemindAt = fromMillis(remindAt)
		s.CreatedAt = fromMillis(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}
