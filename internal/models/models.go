package models

import (
	"encoding/json"
	"time"
)

// ReminderKind enumerates the occurrence kinds the scheduler can fire.
type ReminderKind string

const (
	KindDailyDigest      ReminderKind = "daily_digest"
	KindDayBeforeDigest  ReminderKind = "day_before_digest"
	KindItemBeforeDue    ReminderKind = "item_before_due"
	KindSocialBeforePost ReminderKind = "social_before_post"
)

// ReminderKey is the unique identity of one sent reminder.
type ReminderKey struct {
	ChatID    int64        `json:"chat_id"`
	SubjectID string       `json:"subject_id"`
	Kind      ReminderKind `json:"reminder_kind"`
	RemindAt  time.Time    `json:"remind_at"`
}

// SentReminder is a ledger row. It is written once and only ever deleted to
// undo a claim whose send failed.
type SentReminder struct {
	ID int64 `json:"id"`
	ReminderKey
	CreatedAt time.Time `json:"created_at"`
}

// QueueKind enumerates outbox row kinds.
type QueueKind string

const (
	QueuePrefUpsert       QueueKind = "pref_upsert"
	QueueProfileUpsert    QueueKind = "profile_upsert"
	QueueWorkerRunRequest QueueKind = "worker_run_request"
)

// SyncQueueItem is one pending remote write.
type SyncQueueItem struct {
	ID          int64           `json:"id"`
	Kind        QueueKind       `json:"kind"`
	ExternalID  string          `json:"external_id"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	Attempt     int             `json:"attempt"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	Created     time.Time       `json:"created"`
}

// SyncTrackingRow records what was last pushed for a key and the newest
// remote edit observed for it.
type SyncTrackingRow struct {
	ExternalID             string     `json:"external_id"`
	ChatID                 int64      `json:"chat_id"`
	Scope                  string     `json:"scope"`
	Key                    string     `json:"key"`
	RemoteDocID            string     `json:"remote_doc_id,omitempty"`
	LastPushedHash         string     `json:"last_pushed_hash,omitempty"`
	LastPushedAt           *time.Time `json:"last_pushed_at,omitempty"`
	LastSeenRemoteEditedAt *time.Time `json:"last_seen_remote_edited_at,omitempty"`
}

// QueueStats summarizes the outbox for operators.
type QueueStats struct {
	Total       int            `json:"total"`
	Ready       int            `json:"ready"`
	Failing     int            `json:"failing"`
	MaxAttempt  int            `json:"max_attempt"`
	OldestReady *time.Time     `json:"oldest_ready,omitempty"`
	ByKind      map[string]int `json:"by_kind"`
}

// Worker run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// WorkerRun is the persisted record of one tick.
type WorkerRun struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Status        string          `json:"status"`
	Forced        bool            `json:"forced"`
	Error         string          `json:"error,omitempty"`
	Report        json.RawMessage `json:"report,omitempty"`
}
