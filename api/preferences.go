package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/pkg/models"
	"github.com/garnizeh/nudge/pkg/repository"
)

// PreferenceSaver stores a local edit together with its outbox row.
type PreferenceSaver interface {
	SaveLocal(ctx context.Context, p *models.Preference) (int64, error)
}

// ChatsHandler serves per-chat preferences and subscriptions.
type ChatsHandler struct {
	prefs repository.PreferenceRepo
	saver PreferenceSaver
	subs  repository.SubscriptionRepo
}

func NewChatsHandler(prefs repository.PreferenceRepo, saver PreferenceSaver, subs repository.SubscriptionRepo) *ChatsHandler {
	return &ChatsHandler{prefs: prefs, saver: saver, subs: subs}
}

func chatID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["chatID"], 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid chat id")
	}
	return id, nil
}

func (h *ChatsHandler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prefs, err := h.prefs.ListPreferences(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list preferences", http.StatusInternalServerError)
		return
	}
	if prefs == nil {
		prefs = []models.Preference{}
	}

	writeJSON(w, map[string]any{"items": prefs}, http.StatusOK)
}

type preferencePayload struct {
	Scope      string          `json:"scope"`
	Key        string          `json:"key"`
	Category   string          `json:"category"`
	ValueJSON  json.RawMessage `json:"value_json"`
	ValueHuman string          `json:"value_human"`
	Active     *bool           `json:"active,omitempty"`
}

// PutPreference records a local edit. Exactly one pref_upsert is queued per
// call.
func (h *ChatsHandler) PutPreference(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var p preferencePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if p.Scope == "" || p.Key == "" {
		http.Error(w, "scope and key required", http.StatusBadRequest)
		return
	}
	if len(p.ValueJSON) == 0 {
		http.Error(w, "value_json required", http.StatusBadRequest)
		return
	}

	pref := &models.Preference{
		ChatID:     id,
		Scope:      p.Scope,
		Key:        p.Key,
		Category:   p.Category,
		ValueJSON:  p.ValueJSON,
		ValueHuman: p.ValueHuman,
		Active:     p.Active == nil || *p.Active,
	}
	queued, err := h.saver.SaveLocal(r.Context(), pref)
	if err != nil {
		http.Error(w, fmt.Sprintf("save preference: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"preference": pref, "outbox_id": queued}, http.StatusOK)
}

func (h *ChatsHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, err := h.subs.GetSubscription(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to get subscription", http.StatusInternalServerError)
		return
	}
	if s == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s, http.StatusOK)
}

type subscriptionPayload struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	Timezone      string  `json:"timezone"`
	DailyAt       *string `json:"daily_at,omitempty"`
	DayBeforeAt   *string `json:"day_before_at,omitempty"`
	BeforeMinutes *int    `json:"before_minutes,omitempty"`
}

func (h *ChatsHandler) PutSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var p subscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			http.Error(w, fmt.Sprintf("invalid timezone %q", p.Timezone), http.StatusBadRequest)
			return
		}
	}
	for _, c := range []*string{p.DailyAt, p.DayBeforeAt} {
		if c == nil {
			continue
		}
		if _, _, err := config.ParseClock(*c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if p.BeforeMinutes != nil && *p.BeforeMinutes < 0 {
		http.Error(w, "before_minutes must not be negative", http.StatusBadRequest)
		return
	}

	s := &models.Subscription{
		ChatID:        id,
		Enabled:       p.Enabled == nil || *p.Enabled,
		Timezone:      p.Timezone,
		DailyAt:       p.DailyAt,
		DayBeforeAt:   p.DayBeforeAt,
		BeforeMinutes: p.BeforeMinutes,
	}
	if err := h.subs.UpsertSubscription(r.Context(), s); err != nil {
		http.Error(w, "failed to store subscription", http.StatusInternalServerError)
		return
	}
	stored, err := h.subs.GetSubscription(r.Context(), id)
	if err != nil || stored == nil {
		http.Error(w, "failed to read subscription", http.StatusInternalServerError)
		return
	}

	writeJSON(w, stored, http.StatusOK)
}
