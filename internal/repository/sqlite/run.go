package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/garnizeh/nudge/internal/models"
)

// StartRun records a tick in the running state and returns its ID.
func (r *SQLiteRepo) StartRun(ctx context.Context, correlationID string, startedAt time.Time, forced bool) (int64, error) {
	res, err := r.conn.Exec(ctx,
		`INSERT INTO worker_runs (correlation_id, started_at, status, forced) VALUES (?, ?, ?, ?)`,
		correlationID, toMillis(startedAt), models.RunRunning, boolInt(forced))
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	return res.LastInsertId()
}

func (r *SQLiteRepo) FinishRun(ctx context.Context, id int64, finishedAt time.Time, status, errText string, report []byte) error {
	var rep any
	if len(report) > 0 {
		rep = string(report)
	}
	var e any
	if errText != "" {
		e = errText
	}
	_, err := r.conn.Exec(ctx,
		`UPDATE worker_runs SET finished_at = ?, status = ?, error = ?, report_json = ? WHERE id = ?`,
		toMillis(finishedAt), status, e, rep, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs first.
func (r *SQLiteRepo) ListRuns(ctx context.Context, limit int) ([]models.WorkerRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn.QueryRows(ctx,
		`SELECT id, correlation_id, started_at, finished_at, status, forced, error, report_json FROM worker_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkerRun
	for rows.Next() {
		var (
			w        models.WorkerRun
			started  int64
			finished sql.NullInt64
			forced   int
			errText  sql.NullString
			report   sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.CorrelationID, &started, &finished, &w.Status, &forced, &errText, &report); err != nil {
			return nil, err
		}
		w.StartedAt = fromMillis(started)
		w.FinishedAt = nullTime(finished)
		w.Forced = forced == 1
		w.Error = errText.String
		if report.Valid {
			w.Report = json.RawMessage(report.String)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
