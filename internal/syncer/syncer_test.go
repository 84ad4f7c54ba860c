package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbfs "github.com/garnizeh/nudge/db"
	dbpkg "github.com/garnizeh/nudge/internal/db"
	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/outbox"
	sqlite "github.com/garnizeh/nudge/internal/repository/sqlite"
	"github.com/garnizeh/nudge/internal/schema"
	"github.com/garnizeh/nudge/internal/syncer"
	"github.com/garnizeh/nudge/pkg/docstore"
	"github.com/garnizeh/nudge/pkg/docstore/docstoretest"
	"github.com/garnizeh/nudge/pkg/models"
	"github.com/garnizeh/nudge/pkg/repository"
)

const prefs = "preferences"

type env struct {
	repo    *repository.Repository
	store   *docstoretest.Memory
	engine  *syncer.Engine
	drainer *outbox.Drainer
}

func setup(t *testing.T, cfg syncer.Config) *env {
	t.Helper()
	ctx := context.Background()
	d, err := dbpkg.New(ctx, filepath.Join(t.TempDir(), "nudge.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, dbpkg.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles))

	repo := sqlite.New(d, nil).Repository()
	loader, err := schema.NewLoader(ctx, repo.Schemas)
	require.NoError(t, err)

	if cfg.PrefsCollection == "" {
		cfg.PrefsCollection = prefs
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 50
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 120 * time.Second
	}

	store := docstoretest.NewMemory()
	e := syncer.New(store, repo, loader, cfg, nil)
	dr := outbox.New(repo.Outbox, outbox.Config{BatchSize: 10}, nil)
	e.Register(dr)

	return &env{repo: repo, store: store, engine: e, drainer: dr}
}

func pref(chatID int64, key, value string) *models.Preference {
	return &models.Preference{
		ChatID:     chatID,
		Scope:      "reminders",
		Key:        key,
		Category:   "notifications",
		ValueJSON:  json.RawMessage(value),
		ValueHuman: key + " " + value,
		Active:     true,
	}
}

func remoteProps(t *testing.T, p *models.Preference) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(syncer.DocumentFromPreference(*p))
	require.NoError(t, err)
	return b
}

func queued(t *testing.T, repo *repository.Repository, kind imodels.QueueKind) []imodels.SyncQueueItem {
	t.Helper()
	items, err := repo.Outbox.ListSyncItems(context.Background(), false, 100)
	require.NoError(t, err)
	var out []imodels.SyncQueueItem
	for _, it := range items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

func TestHash_CanonicalValue(t *testing.T) {
	a := syncer.PrefDocument{ChatID: 1, Scope: "s", Key: "k", ValueJSON: json.RawMessage(`{"b":1, "a":[1,2]}`), Active: true}
	b := a
	b.ValueJSON = json.RawMessage(`{"a":[1,2],"b":1}`)

	ha, err := syncer.Hash(a)
	require.NoError(t, err)
	hb, err := syncer.Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := a
	c.Active = false
	hc, err := syncer.Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)

	d := a
	d.ValueJSON = json.RawMessage(`{"a":[1,2],"b":1.0}`)
	hd, err := syncer.Hash(d)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hd, "numbers keep their literal form")

	_, err = syncer.Hash(syncer.PrefDocument{ValueJSON: json.RawMessage(`{"a":`)})
	assert.Error(t, err)
}

func TestExternalID(t *testing.T) {
	id := syncer.ExternalID(42, "reminders", "enabled")
	assert.Equal(t, id, syncer.ExternalID(42, "reminders", "enabled"))
	assert.NotEqual(t, id, syncer.ExternalID(42, "reminders", "daily_at"))
	assert.Regexp(t, `^pref_[0-9a-f]{32}$`, id)
	assert.Equal(t, "profile:42", syncer.ProfileExternalID(42))
}

func TestSaveLocal_EnqueuesOneUpsert(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()

	p := pref(7, "daily_at", `"08:30"`)
	_, err := e.engine.SaveLocal(ctx, p)
	require.NoError(t, err)

	items := queued(t, e.repo, imodels.QueuePrefUpsert)
	require.Len(t, items, 1)
	assert.Equal(t, syncer.ExternalID(7, "reminders", "daily_at"), items[0].ExternalID)

	want, err := syncer.HashPreference(*p)
	require.NoError(t, err)
	assert.Equal(t, want, items[0].PayloadHash)

	got, err := e.repo.Preferences.GetPreference(ctx, 7, "reminders", "daily_at")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SourceLocal, got.Source)

	_, err = e.engine.SaveLocal(ctx, &models.Preference{ChatID: 7})
	assert.Error(t, err)
}

// A pushed document observed again on pull is an echo: nothing changes.
func TestPull_EchoSuppressed(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()

	p := pref(7, "enabled", `true`)
	_, err := e.engine.SaveLocal(ctx, p)
	require.NoError(t, err)

	res, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, queued(t, e.repo, imodels.QueuePrefUpsert))

	ext := syncer.ExternalID(7, "reminders", "enabled")
	h1, _ := syncer.HashPreference(*p)
	tr, err := e.repo.Tracking.GetTracking(ctx, ext)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, h1, tr.LastPushedHash)
	assert.NotEmpty(t, tr.RemoteDocID)

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Seen)
	assert.Equal(t, 1, pr.Echoes)
	assert.Zero(t, pr.Applied)
	assert.Zero(t, pr.ProfilesEnqueued)
	assert.Empty(t, queued(t, e.repo, imodels.QueueProfileUpsert))

	got, err := e.repo.Preferences.GetPreference(ctx, 7, "reminders", "enabled")
	require.NoError(t, err)
	assert.Equal(t, models.SourceLocal, got.Source)

	tr, err = e.repo.Tracking.GetTracking(ctx, ext)
	require.NoError(t, err)
	require.NotNil(t, tr.LastSeenRemoteEditedAt)
}

// Remote edits win, and a chat with several changed keys gets one profile
// upsert per pass.
func TestPull_GenuineRemoteEdit(t *testing.T) {
	e := setup(t, syncer.Config{ProfilesCollection: "profiles"})
	ctx := context.Background()

	a := pref(7, "daily_at", `"08:30"`)
	b := pref(7, "before_minutes", `60`)
	for _, p := range []*models.Preference{a, b} {
		_, err := e.engine.SaveLocal(ctx, p)
		require.NoError(t, err)
	}
	_, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)

	editedAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	a2 := pref(7, "daily_at", `"07:00"`)
	b2 := pref(7, "before_minutes", `15`)
	e.store.Edit(prefs, syncer.ExternalID(7, "reminders", "daily_at"), remoteProps(t, a2), false, editedAt)
	e.store.Edit(prefs, syncer.ExternalID(7, "reminders", "before_minutes"), remoteProps(t, b2), false, editedAt)

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pr.Applied)
	assert.Equal(t, 1, pr.ProfilesEnqueued)

	got, err := e.repo.Preferences.GetPreference(ctx, 7, "reminders", "daily_at")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRemote, got.Source)
	assert.JSONEq(t, `"07:00"`, string(got.ValueJSON))

	profiles := queued(t, e.repo, imodels.QueueProfileUpsert)
	require.Len(t, profiles, 1)
	assert.Equal(t, "profile:7", profiles[0].ExternalID)
	var doc syncer.ProfileDocument
	require.NoError(t, json.Unmarshal(profiles[0].Payload, &doc))
	assert.Equal(t, int64(7), doc.ChatID)
	assert.Len(t, doc.Preferences, 2)

	mark, err := e.repo.Tracking.MaxRemoteEditedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.True(t, mark.Equal(editedAt))

	// the profile push goes to the profiles collection
	res, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	_, ok := e.store.Get("profiles", "profile:7")
	assert.True(t, ok)
}

func TestPull_OverlapDoesNotReapply(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	p := pref(9, "enabled", `false`)
	e.store.Edit(prefs, syncer.ExternalID(9, "reminders", "enabled"), remoteProps(t, p), false, at)

	first, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 1, first.ProfilesEnqueued)

	second, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.True(t, second.Since.Equal(at.Add(-120*time.Second)))
	assert.Equal(t, 1, second.Seen)
	assert.Zero(t, second.Applied)
	assert.Zero(t, second.ProfilesEnqueued)
}

func TestPull_MatchingLocalValueIsUnchanged(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()

	p := pref(3, "daily_at", `"09:00"`)
	require.NoError(t, e.repo.Preferences.UpsertPreference(ctx, p))
	e.store.Edit(prefs, syncer.ExternalID(3, "reminders", "daily_at"), remoteProps(t, p), false, time.Now().UTC())

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Unchanged)
	assert.Zero(t, pr.Applied)
}

func TestPull_RevertToPushedValueApplies(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()
	ext := syncer.ExternalID(7, "reminders", "daily_at")

	h1 := pref(7, "daily_at", `"08:30"`)
	_, err := e.engine.SaveLocal(ctx, h1)
	require.NoError(t, err)
	_, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)

	base := time.Now().UTC().Add(time.Minute)
	e.store.Edit(prefs, ext, remoteProps(t, pref(7, "daily_at", `"07:00"`)), false, base)
	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pr.Applied)

	e.store.Edit(prefs, ext, remoteProps(t, h1), false, base.Add(time.Minute))
	pr, err = e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Applied)

	got, err := e.repo.Preferences.GetPreference(ctx, 7, "reminders", "daily_at")
	require.NoError(t, err)
	assert.JSONEq(t, `"08:30"`, string(got.ValueJSON))
}

func TestPull_ArchivedAndMissingActive(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	e.store.Edit(prefs, syncer.ExternalID(5, "reminders", "a"), remoteProps(t, pref(5, "a", `1`)), true, now)
	e.store.Edit(prefs, syncer.ExternalID(5, "reminders", "b"),
		json.RawMessage(`{"chat_id":5,"scope":"reminders","key":"b","value_json":2}`), false, now)

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pr.Applied)
	assert.Equal(t, 1, pr.ProfilesEnqueued)

	a, err := e.repo.Preferences.GetPreference(ctx, 5, "reminders", "a")
	require.NoError(t, err)
	assert.False(t, a.Active, "archived documents are inactive")

	b, err := e.repo.Preferences.GetPreference(ctx, 5, "reminders", "b")
	require.NoError(t, err)
	assert.True(t, b.Active, "missing active defaults to true")
}

func TestPull_MalformedDropped(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	e.store.Edit(prefs, "no-key", json.RawMessage(`{"chat_id":5,"scope":"reminders"}`), false, now)
	e.store.Edit(prefs, "bad-type", json.RawMessage(`{"chat_id":"five","scope":"reminders","key":"x"}`), false, now)
	e.store.Edit(prefs, "empty", nil, false, now)
	e.store.Edit(prefs, "wrong-id", remoteProps(t, pref(5, "x", `1`)), false, now)
	e.store.Edit(prefs, syncer.ExternalID(5, "reminders", "ok"), remoteProps(t, pref(5, "ok", `1`)), false, now)

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, pr.Seen)
	assert.Equal(t, 4, pr.Malformed)
	assert.Equal(t, 1, pr.Applied)
}

func TestPull_Paginates(t *testing.T) {
	e := setup(t, syncer.Config{PageSize: 2})
	ctx := context.Background()
	now := time.Now().UTC()

	for i, key := range []string{"a", "b", "c", "d", "e"} {
		e.store.Edit(prefs, syncer.ExternalID(1, "reminders", key), remoteProps(t, pref(1, key, `true`)), false, now.Add(time.Duration(i)*time.Second))
	}

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pr.Pages)
	assert.Equal(t, 5, pr.Applied)
	assert.Equal(t, 1, pr.ProfilesEnqueued)
}

func TestPull_ListErrorKeepsWatermark(t *testing.T) {
	d, err := dbpkg.New(context.Background(), filepath.Join(t.TempDir(), "nudge.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, dbpkg.Migrate(context.Background(), d, dbfs.Migrations, dbfs.SeedFiles))
	repo := sqlite.New(d, nil).Repository()

	e := syncer.New(failingStore{}, repo, nil, syncer.Config{PrefsCollection: prefs}, nil)
	_, err = e.Pull(context.Background())
	require.Error(t, err)
	assert.True(t, docstore.IsTransient(err))

	mark, err := repo.Tracking.MaxRemoteEditedAt(context.Background())
	require.NoError(t, err)
	assert.Nil(t, mark)
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, string, string, json.RawMessage) (string, error) {
	return "", &docstore.TransientError{Op: "upsert", Err: errors.New("down")}
}

func (failingStore) ListEditedSince(context.Context, string, time.Time, string, int) (docstore.Page, error) {
	return docstore.Page{}, &docstore.TransientError{Op: "list", Err: errors.New("down")}
}

// Push retries: the row fails twice, waits 60s then 120s and is never deleted.
func TestPush_TransientFailureBacksOff(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()

	_, err := e.engine.SaveLocal(ctx, pref(7, "enabled", `true`))
	require.NoError(t, err)

	e.store.FailErr = &docstore.TransientError{Op: "upsert", Err: errors.New("503")}
	e.store.FailCount = 2

	now := time.Now().UTC().Add(time.Second)
	e.drainer.SetClock(func() time.Time { return now })
	res, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rescheduled)

	items := queued(t, e.repo, imodels.QueuePrefUpsert)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempt)
	assert.WithinDuration(t, now.Add(60*time.Second), items[0].NextRunAt, time.Millisecond)

	now = now.Add(61 * time.Second)
	_, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	items = queued(t, e.repo, imodels.QueuePrefUpsert)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempt)
	assert.WithinDuration(t, now.Add(120*time.Second), items[0].NextRunAt, time.Millisecond)
	assert.Contains(t, items[0].LastError, "503")

	now = now.Add(121 * time.Second)
	res, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, queued(t, e.repo, imodels.QueuePrefUpsert))
}

func remoteValue(t *testing.T, e *env, ext string) string {
	t.Helper()
	doc, ok := e.store.Get(prefs, ext)
	require.True(t, ok)
	var pd syncer.PrefDocument
	require.NoError(t, json.Unmarshal(doc.Properties, &pd))
	return string(pd.ValueJSON)
}

// An older edit retried after a newer one was pushed is dropped, so the
// remote keeps the newer value and the next pull sees an echo of it.
func TestPush_StaleRetryAfterNewerEdit(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()
	ext := syncer.ExternalID(7, "reminders", "enabled")

	_, err := e.engine.SaveLocal(ctx, pref(7, "enabled", `true`))
	require.NoError(t, err)

	e.store.FailErr = &docstore.TransientError{Op: "upsert", Err: errors.New("503")}
	e.store.FailCount = 1
	now := time.Now().UTC().Add(time.Second)
	e.drainer.SetClock(func() time.Time { return now })
	res, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rescheduled)

	_, err = e.engine.SaveLocal(ctx, pref(7, "enabled", `false`))
	require.NoError(t, err)
	now = now.Add(time.Second)
	res, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	assert.Equal(t, `false`, remoteValue(t, e, ext))

	now = now.Add(2 * time.Minute)
	res, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, res.Succeeded)
	assert.Empty(t, queued(t, e.repo, imodels.QueuePrefUpsert))
	assert.Equal(t, `false`, remoteValue(t, e, ext))

	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Echoes)
	assert.Zero(t, pr.Applied)

	got, err := e.repo.Preferences.GetPreference(ctx, 7, "reminders", "enabled")
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(got.ValueJSON))
}

// A local edit still waiting to retry does not overwrite a remote edit the
// pull already applied.
func TestPush_StaleRetryAfterRemoteEdit(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()
	ext := syncer.ExternalID(7, "reminders", "enabled")

	_, err := e.engine.SaveLocal(ctx, pref(7, "enabled", `true`))
	require.NoError(t, err)

	e.store.FailErr = &docstore.TransientError{Op: "upsert", Err: errors.New("503")}
	e.store.FailCount = 1
	now := time.Now().UTC().Add(time.Second)
	e.drainer.SetClock(func() time.Time { return now })
	res, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rescheduled)

	e.store.Edit(prefs, ext, remoteProps(t, pref(7, "enabled", `false`)), false, now)
	pr, err := e.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pr.Applied)

	now = now.Add(2 * time.Minute)
	res, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded)
	assert.Empty(t, queued(t, e.repo, imodels.QueuePrefUpsert))
	assert.Zero(t, e.store.Upserts)
	assert.Equal(t, `false`, remoteValue(t, e, ext))

	got, err := e.repo.Preferences.GetPreference(ctx, 7, "reminders", "enabled")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRemote, got.Source)
	assert.JSONEq(t, `false`, string(got.ValueJSON))
}

// Re-pushing the same payload converges on the same document without a new
// remote edit.
func TestPush_IdempotentUpsert(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()
	ext := syncer.ExternalID(7, "reminders", "enabled")

	for i := 0; i < 2; i++ {
		_, err := e.engine.SaveLocal(ctx, pref(7, "enabled", `true`))
		require.NoError(t, err)
	}
	first, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Succeeded)

	doc, ok := e.store.Get(prefs, ext)
	require.True(t, ok)
	assert.Equal(t, 2, e.store.Upserts)

	_, err = e.engine.SaveLocal(ctx, pref(7, "enabled", `true`))
	require.NoError(t, err)
	_, err = e.drainer.Drain(ctx, false)
	require.NoError(t, err)

	again, _ := e.store.Get(prefs, ext)
	assert.Equal(t, doc.ID, again.ID)
	assert.True(t, doc.EditedAt.Equal(again.EditedAt))
}

func TestPushProfile_NoCollectionDrops(t *testing.T) {
	e := setup(t, syncer.Config{})
	ctx := context.Background()

	require.NoError(t, e.repo.Preferences.UpsertPreference(ctx, pref(4, "enabled", `true`)))
	require.NoError(t, e.engine.EnqueueProfile(ctx, 4))

	res, err := e.drainer.Drain(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, queued(t, e.repo, imodels.QueueProfileUpsert))
}
