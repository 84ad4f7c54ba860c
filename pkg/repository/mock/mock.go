package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/outbox"
)

// Test helpers and mocks
type Mocks struct {
	Ledger *LedgerRepo
	Outbox *OutboxRepo
}

func NewMocks() *Mocks {
	return &Mocks{
		Ledger: &LedgerRepo{rows: map[models.ReminderKey]time.Time{}},
		Outbox: &OutboxRepo{},
	}
}

// LedgerRepo is an in-memory ledger keyed by the full reminder key.
type LedgerRepo struct {
	mu        sync.Mutex
	rows      map[models.ReminderKey]time.Time
	InsertErr error
	DeleteErr error
	Deleted   []models.ReminderKey
}

func (m *LedgerRepo) InsertReminderIfAbsent(ctx context.Context, key models.ReminderKey, createdAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return false, m.InsertErr
	}
	key.RemindAt = key.RemindAt.UTC()
	if _, ok := m.rows[key]; ok {
		return false, nil
	}
	m.rows[key] = createdAt
	return true, nil
}

func (m *LedgerRepo) DeleteReminder(ctx context.Context, key models.ReminderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	key.RemindAt = key.RemindAt.UTC()
	delete(m.rows, key)
	m.Deleted = append(m.Deleted, key)
	return nil
}

func (m *LedgerRepo) ListSentReminders(ctx context.Context, chatID int64, limit int) ([]models.SentReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SentReminder
	for k, created := range m.rows {
		if k.ChatID == chatID {
			out = append(out, models.SentReminder{ReminderKey: k, CreatedAt: created})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemindAt.After(out[j].RemindAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of ledger rows.
func (m *LedgerRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// OutboxRepo is an in-memory sync queue. ClaimErr and RescheduleErr inject
// storage failures.
type OutboxRepo struct {
	mu            sync.Mutex
	items         []models.SyncQueueItem
	nextID        int64
	ClaimErr      error
	RescheduleErr error
}

func (m *OutboxRepo) EnqueueSync(ctx context.Context, item *models.SyncQueueItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	it := *item
	it.ID = m.nextID
	it.Created = time.Now().UTC()
	if it.NextRunAt.IsZero() {
		it.NextRunAt = it.Created
	}
	m.items = append(m.items, it)
	return it.ID, nil
}

func (m *OutboxRepo) ClaimReady(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.sortLocked()
	var out []models.SyncQueueItem
	for i := range m.items {
		if len(out) >= limit {
			break
		}
		if !outbox.Ready(m.items[i], now) {
			continue
		}
		m.items[i].NextRunAt = leaseUntil
		out = append(out, m.items[i])
	}
	return out, nil
}

func (m *OutboxRepo) DeleteSyncItem(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *OutboxRepo) RescheduleSyncItem(ctx context.Context, id int64, attempt int, nextRunAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RescheduleErr != nil {
		return m.RescheduleErr
	}
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Attempt = attempt
			m.items[i].NextRunAt = nextRunAt
			m.items[i].LastError = lastError
		}
	}
	return nil
}

func (m *OutboxRepo) ListSyncItems(ctx context.Context, onlyFailing bool, limit int) ([]models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortLocked()
	var out []models.SyncQueueItem
	for _, it := range m.items {
		if onlyFailing && it.Attempt == 0 {
			continue
		}
		out = append(out, it)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *OutboxRepo) QueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &models.QueueStats{ByKind: map[string]int{}}
	for _, it := range m.items {
		st.Total++
		st.ByKind[string(it.Kind)]++
		if outbox.Ready(it, now) {
			st.Ready++
			if st.OldestReady == nil || it.NextRunAt.Before(*st.OldestReady) {
				t := it.NextRunAt
				st.OldestReady = &t
			}
		}
		if it.Attempt > 0 {
			st.Failing++
		}
		if it.Attempt > st.MaxAttempt {
			st.MaxAttempt = it.Attempt
		}
	}
	return st, nil
}

// Items returns a copy of the queue in claim order.
func (m *OutboxRepo) Items() []models.SyncQueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortLocked()
	return append([]models.SyncQueueItem(nil), m.items...)
}

func (m *OutboxRepo) sortLocked() {
	sort.SliceStable(m.items, func(i, j int) bool {
		a, b := m.items[i], m.items[j]
		if !a.NextRunAt.Equal(b.NextRunAt) {
			return a.NextRunAt.Before(b.NextRunAt)
		}
		return a.ID < b.ID
	})
}
