// Package syncer keeps local preferences and the remote document store
// converging: local edits go out through the outbox, remote edits come back
// through the pull reconciler.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garnizeh/nudge/internal/logging"
	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/outbox"
	"github.com/garnizeh/nudge/internal/schema"
	"github.com/garnizeh/nudge/pkg/docstore"
	"github.com/garnizeh/nudge/pkg/models"
	"github.com/garnizeh/nudge/pkg/repository"
)

var ErrMalformedDocument = errors.New("syncer: malformed document")

type Config struct {
	PrefsCollection    string
	ProfilesCollection string
	PageSize           int
	Overlap            time.Duration
	MaxPages           int
}

type Engine struct {
	store   docstore.Store
	prefs   repository.PreferenceRepo
	outbox  repository.OutboxRepo
	tracker *Tracker
	schemas *schema.Loader
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New builds an engine. schemas may be nil, in which case pulled documents
// are only checked for identity fields.
func New(store docstore.Store, repo *repository.Repository, schemas *schema.Loader, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	return &Engine{
		store:   store,
		prefs:   repo.Preferences,
		outbox:  repo.Outbox,
		tracker: NewTracker(repo.Tracking),
		schemas: schemas,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Register installs the push handlers on d.
func (e *Engine) Register(d *outbox.Drainer) {
	d.Handle(imodels.QueuePrefUpsert, e.pushPreference)
	d.Handle(imodels.QueueProfileUpsert, e.pushProfile)
}

// SaveLocal stores a user edit and enqueues exactly one pref_upsert for it in
// the same transaction.
func (e *Engine) SaveLocal(ctx context.Context, p *models.Preference) (int64, error) {
	if p == nil || p.ChatID == 0 || p.Scope == "" || p.Key == "" {
		return 0, fmt.Errorf("preference needs chat_id, scope and key")
	}
	doc, err := DocumentFromPreference(*p).Canonical()
	if err != nil {
		return 0, err
	}
	hash, err := Hash(doc)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}

	p.ValueJSON = doc.ValueJSON
	p.Source = models.SourceLocal
	p.UpdatedAt = e.now()

	return e.prefs.SavePreferenceAndEnqueue(ctx, p, &imodels.SyncQueueItem{
		Kind:        imodels.QueuePrefUpsert,
		ExternalID:  ExternalID(p.ChatID, p.Scope, p.Key),
		Payload:     payload,
		PayloadHash: hash,
	})
}

func (e *Engine) pushPreference(ctx context.Context, item *imodels.SyncQueueItem) error {
	var doc PrefDocument
	if err := json.Unmarshal(item.Payload, &doc); err != nil {
		return fmt.Errorf("decode pref payload: %w", err)
	}
	hash := item.PayloadHash
	if hash == "" {
		h, err := Hash(doc)
		if err != nil {
			return err
		}
		hash = h
	}

	// A row whose hash no longer matches the stored preference was superseded
	// by a later local edit or an applied remote edit.
	local, err := e.prefs.GetPreference(ctx, doc.ChatID, doc.Scope, doc.Key)
	if err != nil {
		return fmt.Errorf("load preference: %w", err)
	}
	if local != nil {
		current, err := HashPreference(*local)
		if err != nil {
			return fmt.Errorf("hash preference: %w", err)
		}
		if current != hash {
			logging.From(ctx, e.logger).Debug("syncer: dropping superseded push", "id", item.ID, "external_id", item.ExternalID)
			return outbox.ErrDrop
		}
	}

	docID, err := e.store.Upsert(ctx, e.cfg.PrefsCollection, item.ExternalID, item.Payload)
	if err != nil {
		return err
	}

	row := imodels.SyncTrackingRow{
		ExternalID:  item.ExternalID,
		ChatID:      doc.ChatID,
		Scope:       doc.Scope,
		Key:         doc.Key,
		RemoteDocID: docID,
	}
	if err := e.tracker.RecordPush(ctx, row, hash, e.now()); err != nil {
		return fmt.Errorf("record push: %w", err)
	}
	logging.From(ctx, e.logger).Debug("syncer: pushed preference", "external_id", item.ExternalID, "doc_id", docID)

	return nil
}

func (e *Engine) pushProfile(ctx context.Context, item *imodels.SyncQueueItem) error {
	if e.cfg.ProfilesCollection == "" {
		return outbox.ErrDrop
	}
	_, err := e.store.Upsert(ctx, e.cfg.ProfilesCollection, item.ExternalID, item.Payload)
	return err
}

// ProfileDocument is the derived per-chat summary pushed to the profiles
// collection.
type ProfileDocument struct {
	ChatID      int64           `json:"chat_id"`
	Preferences []ProfileRecord `json:"preferences"`
}

type ProfileRecord struct {
	Scope      string          `json:"scope"`
	Key        string          `json:"key"`
	Category   string          `json:"category,omitempty"`
	ValueJSON  json.RawMessage `json:"value_json"`
	ValueHuman string          `json:"value_human,omitempty"`
}

// EnqueueProfile queues a profile_upsert built from the chat's active
// preferences.
func (e *Engine) EnqueueProfile(ctx context.Context, chatID int64) error {
	prefs, err := e.prefs.ListPreferences(ctx, chatID)
	if err != nil {
		return fmt.Errorf("list preferences: %w", err)
	}
	doc := ProfileDocument{ChatID: chatID, Preferences: []ProfileRecord{}}
	for _, p := range prefs {
		if !p.Active {
			continue
		}
		doc.Preferences = append(doc.Preferences, ProfileRecord{
			Scope:      p.Scope,
			Key:        p.Key,
			Category:   p.Category,
			ValueJSON:  p.ValueJSON,
			ValueHuman: p.ValueHuman,
		})
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = e.outbox.EnqueueSync(ctx, &imodels.SyncQueueItem{
		Kind:       imodels.QueueProfileUpsert,
		ExternalID: ProfileExternalID(chatID),
		Payload:    payload,
	})
	return err
}
