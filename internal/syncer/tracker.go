package syncer

import (
	"context"
	"time"

	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/repository"
)

// Tracker keeps per-key push hashes and remote edit watermarks.
type Tracker struct {
	repo repository.TrackingRepo
}

func NewTracker(repo repository.TrackingRepo) *Tracker {
	return &Tracker{repo: repo}
}

// Lookup returns nil for a key that was never pushed nor observed.
func (t *Tracker) Lookup(ctx context.Context, externalID string) (*models.SyncTrackingRow, error) {
	return t.repo.GetTracking(ctx, externalID)
}

func (t *Tracker) RecordPush(ctx context.Context, row models.SyncTrackingRow, hash string, pushedAt time.Time) error {
	return t.repo.RecordPush(ctx, row, hash, pushedAt)
}

// AdvanceWatermark never moves a key's watermark backwards.
func (t *Tracker) AdvanceWatermark(ctx context.Context, row models.SyncTrackingRow, remoteEditedAt time.Time) error {
	return t.repo.AdvanceWatermark(ctx, row, remoteEditedAt)
}

// Since is the pull lower bound: the newest watermark minus overlap, or the
// zero time when nothing was observed yet.
func (t *Tracker) Since(ctx context.Context, overlap time.Duration) (time.Time, error) {
	m, err := t.repo.MaxRemoteEditedAt(ctx)
	if err != nil || m == nil {
		return time.Time{}, err
	}
	return m.Add(-overlap), nil
}
