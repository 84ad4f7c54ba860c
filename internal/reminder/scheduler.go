// Package reminder fires digests and before-due reminders at most once per
// occurrence.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/nudge/internal/logging"
	"github.com/garnizeh/nudge/internal/models"
	"github.com/garnizeh/nudge/pkg/content"
	"github.com/garnizeh/nudge/pkg/repository"
	"github.com/garnizeh/nudge/pkg/telegram"
)

// Preference that switches reminders off for a chat when its value is false.
const (
	EnabledScope = "reminders"
	EnabledKey   = "enabled"
)

type Config struct {
	PollInterval time.Duration
	Defaults     Defaults
	CacheTTL     time.Duration
	CacheSize    int
	CallTimeout  time.Duration
}

// Report counts what one tick did.
type Report struct {
	Chats    int `json:"chats"`
	Due      int `json:"due"`
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

type Scheduler struct {
	ledger  *Ledger
	subs    repository.SubscriptionRepo
	prefs   repository.PreferenceRepo
	content content.Repository
	sender  telegram.Sender
	cache   *EnabledCache
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewScheduler(ledger *Ledger, subs repository.SubscriptionRepo, prefs repository.PreferenceRepo, repo content.Repository, sender telegram.Sender, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Scheduler{
		ledger:  ledger,
		subs:    subs,
		prefs:   prefs,
		content: repo,
		sender:  sender,
		cache:   NewEnabledCache(cfg.CacheTTL, cfg.CacheSize),
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Tick evaluates every enabled subscription once. Per-occurrence failures
// are counted and logged; an error is returned only when the tick could not
// run at all.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	var rep Report
	log := logging.From(ctx, s.logger)

	subs, err := s.subs.ListEnabledSubscriptions(ctx)
	if err != nil {
		return rep, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return rep, nil
	}

	now := s.now()
	snap, err := s.fetchSnapshot(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("fetch content snapshot: %w", err)
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		settings, err := Resolve(sub, s.cfg.Defaults)
		if err != nil {
			log.Warn("reminder: bad subscription", "chat_id", sub.ChatID, "err", err)
			rep.Failed++
			continue
		}
		if !s.enabled(ctx, sub.ChatID, now) {
			continue
		}
		rep.Chats++

		for _, occ := range Occurrences(settings, snap, now) {
			if !InWindow(occ.Key.RemindAt, now, s.cfg.PollInterval) {
				continue
			}
			if snap.Partial && occ.Digest() {
				rep.Deferred++
				continue
			}
			if occ.Key.Kind == models.KindDayBeforeDigest && occ.Empty() {
				rep.Skipped++
				continue
			}
			rep.Due++
			s.fire(ctx, log, settings, occ, now, &rep)
		}
	}

	return rep, nil
}

func (s *Scheduler) fire(ctx context.Context, log *slog.Logger, settings Settings, occ Occurrence, now time.Time, rep *Report) {
	attrs := []any{"chat_id", occ.Key.ChatID, "subject_id", occ.Key.SubjectID, "kind", occ.Key.Kind}

	ok, err := s.ledger.TryClaim(ctx, occ.Key, now)
	if err != nil {
		log.Error("reminder: claim failed", append(attrs, "err", err)...)
		rep.Failed++
		return
	}
	if !ok {
		return
	}
	rep.Claimed++

	text, err := Render(occ, settings.Location)
	if err == nil {
		sendCtx := ctx
		if s.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
		}
		err = s.sender.Send(sendCtx, occ.Key.ChatID, text, telegram.Options{DisableWebPagePreview: true})
	}
	if err == nil {
		rep.Sent++
		log.Info("reminder: sent", attrs...)
		return
	}

	log.Warn("reminder: delivery failed, releasing claim", append(attrs, "err", err)...)
	if relErr := s.ledger.Release(ctx, occ.Key); relErr != nil {
		log.Error("reminder: release failed", append(attrs, "err", relErr)...)
		rep.Failed++
		return
	}
	rep.Released++
}

// enabled reads the reminders/enabled preference through the cache. Missing,
// inactive or unreadable preferences count as enabled.
func (s *Scheduler) enabled(ctx context.Context, chatID int64, now time.Time) bool {
	if v, ok := s.cache.Get(chatID, now); ok {
		return v
	}
	p, err := s.prefs.GetPreference(ctx, chatID, EnabledScope, EnabledKey)
	if err != nil {
		logging.From(ctx, s.logger).Warn("reminder: read enabled preference", "chat_id", chatID, "err", err)
		return true
	}
	enabled := true
	if p != nil && p.Active {
		var v bool
		if json.Unmarshal(p.ValueJSON, &v) == nil {
			enabled = v
		}
	}
	s.cache.Put(chatID, enabled, now)
	return enabled
}

// fetchSnapshot issues the three content queries together. The date range
// spans every timezone's today and tomorrow. It fails only when every query
// failed; otherwise the snapshot is marked Partial and the failed lists stay
// empty.
func (s *Scheduler) fetchSnapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	utc := now.UTC()
	f := content.Filter{
		From: utc.AddDate(0, 0, -1).Format(dateLayout),
		To:   utc.AddDate(0, 0, 2).Format(dateLayout),
	}

	var (
		snap Snapshot
		wg   sync.WaitGroup
		errs [3]error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		snap.Tasks, errs[0] = s.content.ListDueItems(ctx, f)
	}()
	go func() {
		defer wg.Done()
		snap.Inbox, errs[1] = s.content.ListDueItems(ctx, content.Filter{Inbox: true})
	}()
	go func() {
		defer wg.Done()
		snap.Posts, errs[2] = s.content.ListPosts(ctx, f)
	}()
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			logging.From(ctx, s.logger).Warn("reminder: content query failed", "query", snapshotQueries[i], "err", err)
		}
	}
	if failed == len(errs) {
		return snap, errors.Join(errs[:]...)
	}
	snap.Partial = failed > 0
	return snap, nil
}

var snapshotQueries = [3]string{"tasks", "inbox", "posts"}
