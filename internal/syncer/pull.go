package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/garnizeh/nudge/internal/logging"
	imodels "github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/internal/schema"
	"github.com/garnizeh/nudge/pkg/docstore"
	"github.com/garnizeh/nudge/pkg/models"
)

// PullResult counts what one reconcile pass saw.
type PullResult struct {
	Since            time.Time `json:"since"`
	Pages            int       `json:"pages"`
	Seen             int       `json:"seen"`
	Applied          int       `json:"applied"`
	Echoes           int       `json:"echoes"`
	Unchanged        int       `json:"unchanged"`
	Malformed        int       `json:"malformed"`
	ProfilesEnqueued int       `json:"profiles_enqueued"`
}

// remoteProperties mirrors PrefDocument with an optional active flag; a
// document without one counts as active.
type remoteProperties struct {
	ChatID     int64           `json:"chat_id"`
	Scope      string          `json:"scope"`
	Key        string          `json:"key"`
	Category   string          `json:"category"`
	ValueJSON  json.RawMessage `json:"value_json"`
	ValueHuman string          `json:"value_human"`
	Active     *bool           `json:"active"`
}

// Pull reconciles remote edits into local preferences. Remote wins unless the
// document is the echo of our own last push. A listing or storage error ends
// the pass; watermarks already advanced stay advanced.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	log := logging.From(ctx, e.logger)

	since, err := e.tracker.Since(ctx, e.cfg.Overlap)
	if err != nil {
		return PullResult{}, fmt.Errorf("read watermark: %w", err)
	}
	res := PullResult{Since: since}
	changed := map[int64]struct{}{}

	cursor := ""
	for res.Pages < e.cfg.MaxPages {
		page, err := e.store.ListEditedSince(ctx, e.cfg.PrefsCollection, since, cursor, e.cfg.PageSize)
		if err != nil {
			return res, fmt.Errorf("list edited since %s: %w", since.Format(time.RFC3339), err)
		}
		res.Pages++

		for _, doc := range page.Results {
			res.Seen++
			outcome, chatID, err := e.reconcile(ctx, doc)
			switch {
			case errors.Is(err, ErrMalformedDocument):
				res.Malformed++
				log.Warn("syncer: dropping malformed document", "doc_id", doc.ID, "external_id", doc.ExternalID, "error", err)
				continue
			case err != nil:
				return res, err
			}
			switch outcome {
			case outcomeApplied:
				res.Applied++
				changed[chatID] = struct{}{}
			case outcomeEcho:
				res.Echoes++
			case outcomeUnchanged:
				res.Unchanged++
			}
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	chats := make([]int64, 0, len(changed))
	for id := range changed {
		chats = append(chats, id)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	for _, id := range chats {
		if err := e.EnqueueProfile(ctx, id); err != nil {
			return res, fmt.Errorf("enqueue profile for chat %d: %w", id, err)
		}
		res.ProfilesEnqueued++
	}

	log.Info("syncer: pull finished",
		"since", since, "pages", res.Pages, "seen", res.Seen, "applied", res.Applied,
		"echoes", res.Echoes, "malformed", res.Malformed)

	return res, nil
}

type outcome int

const (
	outcomeApplied outcome = iota + 1
	outcomeEcho
	outcomeUnchanged
)

func (e *Engine) reconcile(ctx context.Context, doc docstore.Document) (outcome, int64, error) {
	pd, err := e.parse(ctx, doc)
	if err != nil {
		return 0, 0, err
	}
	hash, err := Hash(pd)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	extID := ExternalID(pd.ChatID, pd.Scope, pd.Key)
	row := imodels.SyncTrackingRow{
		ExternalID:  extID,
		ChatID:      pd.ChatID,
		Scope:       pd.Scope,
		Key:         pd.Key,
		RemoteDocID: doc.ID,
	}

	tracked, err := e.tracker.Lookup(ctx, extID)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup %s: %w", extID, err)
	}

	var result outcome
	switch {
	case tracked != nil && tracked.LastPushedHash == hash:
		result = outcomeEcho
	default:
		local, err := e.prefs.GetPreference(ctx, pd.ChatID, pd.Scope, pd.Key)
		if err != nil {
			return 0, 0, fmt.Errorf("get preference %s: %w", extID, err)
		}
		if local != nil {
			if lh, err := HashPreference(*local); err == nil && lh == hash {
				result = outcomeUnchanged
				break
			}
		}
		err = e.prefs.UpsertPreference(ctx, &models.Preference{
			ChatID:     pd.ChatID,
			Scope:      pd.Scope,
			Key:        pd.Key,
			Category:   pd.Category,
			ValueJSON:  pd.ValueJSON,
			ValueHuman: pd.ValueHuman,
			Active:     pd.Active,
			Source:     models.SourceRemote,
			UpdatedAt:  e.now(),
		})
		if err != nil {
			return 0, 0, fmt.Errorf("apply %s: %w", extID, err)
		}
		// Both sides now hold hash; a later revert to an older push must not
		// look like an echo.
		if err := e.tracker.RecordPush(ctx, row, hash, e.now()); err != nil {
			return 0, 0, fmt.Errorf("record applied %s: %w", extID, err)
		}
		result = outcomeApplied
	}

	if err := e.tracker.AdvanceWatermark(ctx, row, doc.EditedAt); err != nil {
		return 0, 0, fmt.Errorf("advance watermark %s: %w", extID, err)
	}

	return result, pd.ChatID, nil
}

// parse validates a remote document and returns its canonical form with the
// effective active flag folded in.
func (e *Engine) parse(ctx context.Context, doc docstore.Document) (PrefDocument, error) {
	if len(doc.Properties) == 0 {
		return PrefDocument{}, fmt.Errorf("%w: no properties", ErrMalformedDocument)
	}
	if e.schemas != nil {
		if err := e.schemas.Validate(ctx, schema.PrefDocumentV1, doc.Properties); err != nil {
			if errors.Is(err, schema.ErrUnknownVersion) {
				return PrefDocument{}, err
			}
			return PrefDocument{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
	}

	var rp remoteProperties
	if err := json.Unmarshal(doc.Properties, &rp); err != nil {
		return PrefDocument{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if rp.ChatID == 0 || rp.Scope == "" || rp.Key == "" {
		return PrefDocument{}, fmt.Errorf("%w: missing chat_id, scope or key", ErrMalformedDocument)
	}
	if doc.ExternalID != "" && doc.ExternalID != ExternalID(rp.ChatID, rp.Scope, rp.Key) {
		return PrefDocument{}, fmt.Errorf("%w: external id %q does not match its fields", ErrMalformedDocument, doc.ExternalID)
	}

	active := true
	if rp.Active != nil {
		active = *rp.Active
	}
	pd, err := PrefDocument{
		ChatID:     rp.ChatID,
		Scope:      rp.Scope,
		Key:        rp.Key,
		Category:   rp.Category,
		ValueJSON:  rp.ValueJSON,
		ValueHuman: rp.ValueHuman,
		Active:     active && !doc.Archived,
	}.Canonical()
	if err != nil {
		return PrefDocument{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	return pd, nil
}
