// Package outbox drains the sync queue: leased claims, per-kind handlers and
// exponential backoff on failure.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/nudge/internal/models"
)

// Handler processes one claimed row. Returning nil deletes the row.
type Handler func(ctx context.Context, item *models.SyncQueueItem) error

var (
	// ErrUnknownKind is recorded on rows whose kind has no handler. They stay
	// queued and back off like any other failure.
	ErrUnknownKind = errors.New("outbox: unknown kind")

	// ErrDrop tells the drainer to delete the row without counting it as a
	// successful push.
	ErrDrop = errors.New("outbox: drop item")
)

// Policy is the retry backoff: Base * 2^min(attempt+1, MaxExponent), clamped
// to [Min, Max].
type Policy struct {
	Base        time.Duration
	Min         time.Duration
	Max         time.Duration
	MaxExponent int
}

// DefaultPolicy is 30s * 2^min(a+1, 10) clamped to [30s, 1h].
var DefaultPolicy = Policy{Base: 30 * time.Second, Min: 30 * time.Second, Max: time.Hour, MaxExponent: 10}

// Delay returns the wait before retrying a row that had failed attempt times
// before the current failure.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := min(attempt+1, p.MaxExponent)
	d := p.Base
	for i := 0; i < exp; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if d < p.Min {
		return p.Min
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Ready reports whether item can be claimed at now. ClaimReady applies the
// same predicate in SQL.
func Ready(item models.SyncQueueItem, now time.Time) bool {
	return !item.NextRunAt.After(now)
}

// RunRequest is the payload of a worker_run_request row.
type RunRequest struct {
	ChatID int64 `json:"chat_id"`
}

// NewRunRequest builds the outbox row asking the worker to drain and report
// to chatID.
func NewRunRequest(chatID int64) (*models.SyncQueueItem, error) {
	b, err := json.Marshal(RunRequest{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	return &models.SyncQueueItem{
		Kind:       models.QueueWorkerRunRequest,
		ExternalID: fmt.Sprintf("run:%d", chatID),
		Payload:    b,
	}, nil
}
