package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/models"
)

const prefColumns = `chat_id, scope, key, category, value_json, value_human, active, source, updated_at`

const upsertPreferenceSQL = `INSERT INTO preferences (` + prefColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, scope, key) DO UPDATE SET
	  category = excluded.category,
	  value_json = excluded.value_json,
	  value_human = excluded.value_human,
	  active = excluded.active,
	  source = excluded.source,
	  updated_at = excluded.updated_at`

func (r *SQLiteRepo) GetPreference(ctx context.Context, chatID int64, scope, key string) (*models.Preference, error) {
	row := r.conn.QueryRow(ctx,
		`SELECT `+prefColumns+` FROM preferences WHERE chat_id = ? AND scope = ? AND key = ?`, chatID, scope, key)
	p, err := scanPreference(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepo) ListPreferences(ctx context.Context, chatID int64) ([]models.Preference, error) {
	rows, err := r.conn.QueryRows(ctx,
		`SELECT `+prefColumns+` FROM preferences WHERE chat_id = ? ORDER BY scope, key`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertPreference writes p without touching the outbox. The pull path uses
// it for remote-sourced changes.
func (r *SQLiteRepo) UpsertPreference(ctx context.Context, p *models.Preference) error {
	if p == nil {
		return fmt.Errorf("preference is nil")
	}
	_, err := r.conn.Exec(ctx, upsertPreferenceSQL, preferenceArgs(p)...)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) SavePreferenceAndEnqueue(ctx context.Context, p *models.Preference, item *imodels.SyncQueueItem) (int64, error) {
	if p == nil || item == nil {
		return 0, fmt.Errorf("preference and sync item are required")
	}
	var id int64
	err := r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertPreferenceSQL, preferenceArgs(p)...); err != nil {
			return fmt.Errorf("upsert preference: %w", err)
		}
		var err error
		id, err = enqueueSync(ctx, tx, item)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func preferenceArgs(p *models.Preference) []any {
	value := string(p.ValueJSON)
	if value == "" {
		value = "null"
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		return []any{p.ChatID, p.Scope, p.Key, p.Category, value, p.ValueHuman, boolInt(p.Active), sourceOrLocal(p.Source), now()}
	}
	return []any{p.ChatID, p.Scope, p.Key, p.Category, value, p.ValueHuman, boolInt(p.Active), sourceOrLocal(p.Source), toMillis(updated)}
}

func sourceOrLocal(s string) string {
	if s == "" {
		return models.SourceLocal
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPreference(s scanner) (*models.Preference, error) {
	var (
		p       models.Preference
		value   string
		active  int
		updated int64
	)
	if err := s.Scan(&p.ChatID, &p.Scope, &p.Key, &p.Category, &value, &p.ValueHuman, &active, &p.Source, &updated); err != nil {
		return nil, err
	}
	p.ValueJSON = json.RawMessage(value)
	p.Active = active == 1
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}
