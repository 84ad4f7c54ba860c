package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/content"
	"github.com/garnizeh/nudge/pkg/models"
	"github.com/garnizeh/nudge/pkg/repository/mock"
	"github.com/garnizeh/nudge/pkg/telegram"
)

type fakeContent struct {
	mu        sync.Mutex
	tasks     []content.Item
	inbox     []content.Item
	posts     []content.Post
	err       error
	postErr   error
	itemCalls int
	postCalls int
}

func (f *fakeContent) ListDueItems(ctx context.Context, flt content.Filter) ([]content.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemCalls++
	if f.err != nil {
		return nil, f.err
	}
	if flt.Inbox {
		return f.inbox, nil
	}
	return f.tasks, nil
}

func (f *fakeContent) ListPosts(ctx context.Context, flt content.Filter) ([]content.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	if f.postErr != nil {
		return nil, f.postErr
	}
	return f.posts, nil
}

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	msgs []sent
	err  error
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string, opts telegram.Options) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{chatID, text})
	return nil
}

type fakeSubs struct{ subs []models.Subscription }

func (f *fakeSubs) UpsertSubscription(ctx context.Context, s *models.Subscription) error { return nil }
func (f *fakeSubs) GetSubscription(ctx context.Context, chatID int64) (*models.Subscription, error) {
	return nil, nil
}
func (f *fakeSubs) ListEnabledSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	return f.subs, nil
}

type fakePrefs struct {
	prefs map[int64]*models.Preference
	reads int
}

func (f *fakePrefs) GetPreference(ctx context.Context, chatID int64, scope, key string) (*models.Preference, error) {
	f.reads++
	return f.prefs[chatID], nil
}
func (f *fakePrefs) ListPreferences(ctx context.Context, chatID int64) ([]models.Preference, error) {
	return nil, nil
}
func (f *fakePrefs) UpsertPreference(ctx context.Context, p *models.Preference) error { return nil }
func (f *fakePrefs) SavePreferenceAndEnqueue(ctx context.Context, p *models.Preference, item *imodels.SyncQueueItem) (int64, error) {
	return 0, nil
}

type harness struct {
	sched   *Scheduler
	ledger  *mock.LedgerRepo
	content *fakeContent
	sender  *fakeSender
	prefs   *fakePrefs
	now     time.Time
}

var istanbul = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		panic(err)
	}
	return loc
}()

func newHarness(t *testing.T, subs ...models.Subscription) *harness {
	t.Helper()
	h := &harness{
		ledger:  mock.NewMocks().Ledger,
		content: &fakeContent{},
		sender:  &fakeSender{},
		prefs:   &fakePrefs{prefs: map[int64]*models.Preference{}},
	}
	cfg := Config{
		PollInterval: time.Minute,
		Defaults:     Defaults{Timezone: "UTC", DailyAt: "09:00", DayBeforeAt: "20:00", BeforeMinutes: 60},
		CacheTTL:     time.Minute,
		CacheSize:    16,
	}
	h.sched = NewScheduler(NewLedger(h.ledger), &fakeSubs{subs: subs}, h.prefs, h.content, h.sender, cfg, nil)
	h.sched.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) tick(t *testing.T, at time.Time) Report {
	t.Helper()
	h.now = at
	rep, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	return rep
}

func strp(s string) *string { return &s }

// A daily digest fires once inside its window and a later tick in the same
// window does not resend it.
func TestTick_DailyDigestOnce(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 1, Enabled: true, Timezone: "Europe/Istanbul", DailyAt: strp("11:00")})

	rep := h.tick(t, time.Date(2026, 1, 13, 11, 0, 5, 0, istanbul))
	assert.Equal(t, 1, rep.Claimed)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, h.sender.msgs, 1)
	assert.Equal(t, int64(1), h.sender.msgs[0].chatID)
	assert.Contains(t, h.sender.msgs[0].text, "Today, Tue 13 Jan")

	rows, err := h.ledger.ListSentReminders(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "digest:2026-01-13", rows[0].SubjectID)
	assert.Equal(t, imodels.KindDailyDigest, rows[0].Kind)

	rep = h.tick(t, time.Date(2026, 1, 13, 11, 0, 40, 0, istanbul))
	assert.Equal(t, 1, rep.Due)
	assert.Zero(t, rep.Claimed)
	assert.Len(t, h.sender.msgs, 1)
}

// A timed task fires beforeMinutes ahead of its due instant, once.
func TestTick_ItemBeforeDue(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 2, Enabled: true, Timezone: "Europe/Istanbul"})
	h.content.tasks = []content.Item{{ID: "task-9", Title: "Call the bank", Due: "2026-01-13T15:00:00+03:00"}}

	rep := h.tick(t, time.Date(2026, 1, 13, 14, 0, 30, 0, istanbul))
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, h.sender.msgs, 1)
	assert.Contains(t, h.sender.msgs[0].text, "Call the bank")

	rows, _ := h.ledger.ListSentReminders(context.Background(), 2, 10)
	require.Len(t, rows, 1)
	assert.Equal(t, "task-9", rows[0].SubjectID)
	assert.True(t, rows[0].RemindAt.Equal(time.Date(2026, 1, 13, 14, 0, 0, 0, istanbul)))

	rep = h.tick(t, time.Date(2026, 1, 13, 14, 5, 0, 0, istanbul))
	assert.Zero(t, rep.Due)
	assert.Len(t, h.sender.msgs, 1)
}

func TestTick_SocialPostAndClosedItems(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 3, Enabled: true})
	h.content.tasks = []content.Item{{ID: "done-1", Title: "Old", Due: "2026-01-13T12:00:00Z", Status: "done"}}
	h.content.posts = []content.Post{{ID: "p1", Title: "Launch", PostDate: "2026-01-13T12:00:00Z", Platform: "x"}}

	rep := h.tick(t, time.Date(2026, 1, 13, 11, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, rep.Sent)
	rows, _ := h.ledger.ListSentReminders(context.Background(), 3, 10)
	require.Len(t, rows, 1)
	assert.Equal(t, "social:p1", rows[0].SubjectID)
	assert.Equal(t, imodels.KindSocialBeforePost, rows[0].Kind)
}

func TestTick_SendFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 4, Enabled: true})
	h.sender.err = errors.New("telegram down")

	rep := h.tick(t, time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, rep.Claimed)
	assert.Equal(t, 1, rep.Released)
	assert.Zero(t, h.ledger.Len())

	// a later tick inside the same window retries
	h.sender.err = nil
	rep = h.tick(t, time.Date(2026, 1, 13, 9, 0, 30, 0, time.UTC))
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, h.ledger.Len())

	// once the window has passed nothing fires
	h.sender.msgs = nil
	rep = h.tick(t, time.Date(2026, 1, 13, 9, 1, 0, 0, time.UTC))
	assert.Zero(t, rep.Due)
	assert.Empty(t, h.sender.msgs)
}

func TestTick_DayBeforeDigestSkippedWhenEmpty(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 5, Enabled: true})
	at := time.Date(2026, 1, 13, 20, 0, 10, 0, time.UTC)

	rep := h.tick(t, at)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, h.sender.msgs)
	assert.Zero(t, h.ledger.Len())

	h.content.tasks = []content.Item{{ID: "t1", Title: "Dentist", Due: "2026-01-14"}}
	rep = h.tick(t, at.Add(20*time.Second))
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, h.sender.msgs, 1)
	assert.Contains(t, h.sender.msgs[0].text, "Dentist")
}

func TestTick_DisabledPreferenceCached(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 6, Enabled: true})
	h.prefs.prefs[6] = &models.Preference{ChatID: 6, Scope: EnabledScope, Key: EnabledKey, ValueJSON: json.RawMessage(`false`), Active: true}

	start := time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC)
	rep := h.tick(t, start)
	assert.Zero(t, rep.Chats)
	assert.Empty(t, h.sender.msgs)

	// re-enabled, but the cached value holds until the TTL expires
	h.prefs.prefs[6].ValueJSON = json.RawMessage(`true`)
	h.tick(t, start.Add(30*time.Second))
	assert.Empty(t, h.sender.msgs)
	assert.Equal(t, 1, h.prefs.reads)

	rep = h.tick(t, start.Add(24*time.Hour))
	assert.Equal(t, 1, rep.Chats)
	assert.Equal(t, 2, h.prefs.reads)
	assert.Len(t, h.sender.msgs, 1)
}

func TestTick_SnapshotFetchedOncePerTick(t *testing.T) {
	h := newHarness(t,
		models.Subscription{ChatID: 7, Enabled: true},
		models.Subscription{ChatID: 8, Enabled: true, Timezone: "Asia/Tokyo"},
	)
	h.tick(t, time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 2, h.content.itemCalls)
	assert.Equal(t, 1, h.content.postCalls)
}

func TestTick_ContentUnreachable(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 9, Enabled: true})
	h.content.err = errors.New("connection refused")
	h.content.postErr = errors.New("connection refused")
	h.now = time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC)

	_, err := h.sched.Tick(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.ledger.Len())
}

// With the posts query down, task reminders still fire but the digest waits
// for a tick that can list everything.
func TestTick_PartialContentDefersDigests(t *testing.T) {
	h := newHarness(t, models.Subscription{ChatID: 12, Enabled: true})
	h.content.tasks = []content.Item{
		{ID: "t-timed", Title: "Standup", Due: "2026-01-13T10:00:00Z"},
		{ID: "t-day", Title: "Taxes", Due: "2026-01-13"},
	}
	h.content.postErr = errors.New("posts timeout")

	// 09:00 is both the daily digest time and one hour before the standup
	rep := h.tick(t, time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, rep.Deferred)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, h.sender.msgs, 1)
	assert.Contains(t, h.sender.msgs[0].text, "Standup")

	rows, _ := h.ledger.ListSentReminders(context.Background(), 12, 10)
	require.Len(t, rows, 1)
	assert.Equal(t, imodels.KindItemBeforeDue, rows[0].Kind)

	// posts recover inside the same window: the digest goes out once
	h.content.postErr = nil
	rep = h.tick(t, time.Date(2026, 1, 13, 9, 0, 30, 0, time.UTC))
	assert.Zero(t, rep.Deferred)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, h.sender.msgs, 2)
	assert.Contains(t, h.sender.msgs[1].text, "Taxes")
}

func TestTick_BadSubscriptionIsolated(t *testing.T) {
	h := newHarness(t,
		models.Subscription{ChatID: 10, Enabled: true, Timezone: "Mars/Olympus"},
		models.Subscription{ChatID: 11, Enabled: true},
	)
	rep := h.tick(t, time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Sent)
}

func TestInWindow(t *testing.T) {
	at := time.Date(2026, 1, 13, 14, 0, 0, 0, time.UTC)
	poll := time.Minute
	assert.True(t, InWindow(at, at, poll))
	assert.True(t, InWindow(at, at.Add(poll-time.Nanosecond), poll))
	assert.False(t, InWindow(at, at.Add(-time.Nanosecond), poll))
	assert.False(t, InWindow(at, at.Add(poll), poll))
	// one tick earlier or later misses
	assert.False(t, InWindow(at, at.Add(-poll), poll))
	assert.False(t, InWindow(at, at.Add(poll+time.Second), poll))
}

func TestOccurrences_TimezoneDates(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	s, err := Resolve(models.Subscription{ChatID: 1, Timezone: "Asia/Tokyo"}, Defaults{DailyAt: "09:00", DayBeforeAt: "20:00", BeforeMinutes: 30})
	require.NoError(t, err)

	// 2026-01-13 20:00 UTC is already the 14th in Tokyo
	now := time.Date(2026, 1, 13, 20, 0, 0, 0, time.UTC)
	snap := Snapshot{Tasks: []content.Item{
		{ID: "a", Title: "today date-only", Due: "2026-01-14"},
		{ID: "b", Title: "tomorrow date-only", Due: "2026-01-15"},
		{ID: "c", Title: "yesterday", Due: "2026-01-13"},
		{ID: "d", Title: "timed tomorrow", Due: "2026-01-15T00:20:00+09:00"},
		{ID: "e", Title: "bad", Due: "whenever"},
	}}

	occ := Occurrences(s, snap, now)
	require.Len(t, occ, 3)

	daily, dayBefore, timed := occ[0], occ[1], occ[2]
	assert.Equal(t, "digest:2026-01-14", daily.Key.SubjectID)
	assert.True(t, daily.Key.RemindAt.Equal(time.Date(2026, 1, 14, 9, 0, 0, 0, tokyo)))
	require.Len(t, daily.Items, 1)
	assert.Equal(t, "a", daily.Items[0].ID)

	assert.Equal(t, "digest:2026-01-15", dayBefore.Key.SubjectID)
	require.Len(t, dayBefore.Items, 1)
	assert.Equal(t, "b", dayBefore.Items[0].ID)

	assert.Equal(t, "d", timed.Key.SubjectID)
	assert.True(t, timed.Key.RemindAt.Equal(time.Date(2026, 1, 14, 23, 50, 0, 0, tokyo)))
}

func TestEnabledCache(t *testing.T) {
	c := NewEnabledCache(time.Minute, 2)
	now := time.Now()

	_, ok := c.Get(1, now)
	assert.False(t, ok)

	c.Put(1, false, now)
	v, ok := c.Get(1, now.Add(59*time.Second))
	assert.True(t, ok)
	assert.False(t, v)

	_, ok = c.Get(1, now.Add(time.Minute))
	assert.False(t, ok, "entry must expire at TTL")

	c.Put(1, true, now)
	c.Put(2, true, now)
	c.Put(3, true, now)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(1, now)
	assert.False(t, ok, "oldest entry evicted when full")

	off := NewEnabledCache(0, 2)
	off.Put(1, true, now)
	assert.Zero(t, off.Len())
}
