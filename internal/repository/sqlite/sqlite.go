package sqlite

import (
	"database/sql"
	"time"

	"log/slog"

	"github.com/garnizeh/nudge/internal/db"
	"github.com/garnizeh/nudge/pkg/repository"
)

// SQLiteRepo implements repository interfaces using the internal DB wrapper.
type SQLiteRepo struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure SQLiteRepo implements the public interfaces.
var _ repository.LedgerRepo = (*SQLiteRepo)(nil)
var _ repository.OutboxRepo = (*SQLiteRepo)(nil)
var _ repository.TrackingRepo = (*SQLiteRepo)(nil)
var _ repository.PreferenceRepo = (*SQLiteRepo)(nil)
var _ repository.SubscriptionRepo = (*SQLiteRepo)(nil)
var _ repository.SchemaRepo = (*SQLiteRepo)(nil)
var _ repository.RunRepo = (*SQLiteRepo)(nil)

func New(conn *db.DB, logger *slog.Logger) *SQLiteRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRepo{conn: conn, logger: logger}
}

// Repository exposes r through every repository interface.
func (r *SQLiteRepo) Repository() *repository.Repository {
	return &repository.Repository{
		Ledger:        r,
		Outbox:        r,
		Tracking:      r,
		Preferences:   r,
		Subscriptions: r,
		Schemas:       r,
		Runs:          r,
	}
}

func now() int64 {
	return time.Now().UTC().UnixMilli()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
