package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/nudge/pkg/models"
)

const subColumns = `chat_id, enabled, timezone, daily_at, day_before_at, before_minutes, created, updated`

func (r *SQLiteRepo) UpsertSubscription(ctx context.Context, s *models.Subscription) error {
	if s == nil {
		return fmt.Errorf("subscription is nil")
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	var before any
	if s.BeforeMinutes != nil {
		before = *s.BeforeMinutes
	}
	ts := now()
	_, err := r.conn.Exec(ctx,
		`INSERT INTO subscriptions (`+subColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   timezone = excluded.timezone,
		   daily_at = excluded.daily_at,
		   day_before_at = excluded.day_before_at,
		   before_minutes = excluded.before_minutes,
		   updated = excluded.updated`,
		s.ChatID, boolInt(s.Enabled), tz, nullString(s.DailyAt), nullString(s.DayBeforeAt), before, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetSubscription(ctx context.Context, chatID int64) (*models.Subscription, error) {
	s, err := scanSubscription(r.conn.QueryRow(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE chat_id = ?`, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepo) ListEnabledSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE enabled = 1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSubscription(sc scanner) (*models.Subscription, error) {
	var (
		s         models.Subscription
		enabled   int
		daily     sql.NullString
		dayBefore sql.NullString
		before    sql.NullInt64
		created   int64
		updated   int64
	)
	if err := sc.Scan(&s.ChatID, &enabled, &s.Timezone, &daily, &dayBefore, &before, &created, &updated); err != nil {
		return nil, err
	}
	s.Enabled = enabled == 1
	if daily.Valid {
		s.DailyAt = &daily.String
	}
	if dayBefore.Valid {
		s.DayBeforeAt = &dayBefore.String
	}
	if before.Valid {
		v := int(before.Int64)
		s.BeforeMinutes = &v
	}
	s.Created = fromMillis(created)
	s.Updated = fromMillis(updated)
	return &s, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
