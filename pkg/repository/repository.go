package repository

import (
	"context"
	"time"

	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.

// LedgerRepo persists sent reminders. InsertReminderIfAbsent is the claim
// primitive and must be backed by a unique constraint.
type LedgerRepo interface {
	InsertReminderIfAbsent(ctx context.Context, key imodels.ReminderKey, createdAt time.Time) (bool, error)
	DeleteReminder(ctx context.Context, key imodels.ReminderKey) error
	ListSentReminders(ctx context.Context, chatID int64, limit int) ([]imodels.SentReminder, error)
}

// OutboxRepo persists the sync queue. ClaimReady leases rows atomically.
type OutboxRepo interface {
	EnqueueSync(ctx context.Context, item *imodels.SyncQueueItem) (int64, error)
	ClaimReady(ctx context.Context, now, leaseUntil time.Time, limit int) ([]imodels.SyncQueueItem, error)
	DeleteSyncItem(ctx context.Context, id int64) error
	RescheduleSyncItem(ctx context.Context, id int64, attempt int, nextRunAt time.Time, lastError string) error
	ListSyncItems(ctx context.Context, onlyFailing bool, limit int) ([]imodels.SyncQueueItem, error)
	QueueStats(ctx context.Context, now time.Time) (*imodels.QueueStats, error)
}

type TrackingRepo interface {
	GetTracking(ctx context.Context, externalID string) (*imodels.SyncTrackingRow, error)
	RecordPush(ctx context.Context, row imodels.SyncTrackingRow, hash string, pushedAt time.Time) error
	AdvanceWatermark(ctx context.Context, row imodels.SyncTrackingRow, remoteEditedAt time.Time) error
	MaxRemoteEditedAt(ctx context.Context) (*time.Time, error)
}

type PreferenceRepo interface {
	GetPreference(ctx context.Context, chatID int64, scope, key string) (*models.Preference, error)
	ListPreferences(ctx context.Context, chatID int64) ([]models.Preference, error)
	UpsertPreference(ctx context.Context, p *models.Preference) error
	// SavePreferenceAndEnqueue writes the preference and its outbox row in
	// one transaction.
	SavePreferenceAndEnqueue(ctx context.Context, p *models.Preference, item *imodels.SyncQueueItem) (int64, error)
}

type SubscriptionRepo interface {
	UpsertSubscription(ctx context.Context, s *models.Subscription) error
	GetSubscription(ctx context.Context, chatID int64) (*models.Subscription, error)
	ListEnabledSubscriptions(ctx context.Context) ([]models.Subscription, error)
}

type SchemaRepo interface {
	CreateSchema(ctx context.Context, version, description, schemaJSON string) (int64, error)
	GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error)
	ListSchemas(ctx context.Context) ([]models.Schema, error)
	DeleteSchema(ctx context.Context, version string) error
}

type RunRepo interface {
	StartRun(ctx context.Context, correlationID string, startedAt time.Time, forced bool) (int64, error)
	FinishRun(ctx context.Context, id int64, finishedAt time.Time, status, errText string, report []byte) error
	ListRuns(ctx context.Context, limit int) ([]imodels.WorkerRun, error)
}

// Repository groups the repositories the worker needs.
type Repository struct {
	Ledger        LedgerRepo
	Outbox        OutboxRepo
	Tracking      TrackingRepo
	Preferences   PreferenceRepo
	Subscriptions SubscriptionRepo
	Schemas       SchemaRepo
	Runs          RunRepo
}
