package models

import (
	"encoding/json"
	"time"
)

// Preference sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Preference is one per-chat setting identified by (ChatID, Scope, Key).
type Preference struct {
	ChatID     int64           `json:"chat_id" db:"chat_id"`
	Scope      string          `json:"scope" db:"scope"`
	Key        string          `json:"key" db:"key"`
	Category   string          `json:"category" db:"category"`
	ValueJSON  json.RawMessage `json:"value_json" db:"value_json"`
	ValueHuman string          `json:"value_human" db:"value_human"`
	Active     bool            `json:"active" db:"active"`
	Source     string          `json:"source" db:"source"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Subscription enables reminders for a chat. Nil overrides inherit the
// worker defaults.
type Subscription struct {
	ChatID        int64     `json:"chat_id" db:"chat_id"`
	Enabled       bool      `json:"enabled" db:"enabled"`
	Timezone      string    `json:"timezone" db:"timezone"`
	DailyAt       *string   `json:"daily_at,omitempty" db:"daily_at"`
	DayBeforeAt   *string   `json:"day_before_at,omitempty" db:"day_before_at"`
	BeforeMinutes *int      `json:"before_minutes,omitempty" db:"before_minutes"`
	Created       time.Time `json:"created" db:"created"`
	Updated       time.Time `json:"updated" db:"updated"`
}

type Schema struct {
	ID          int64  `json:"id" db:"id"`
	Version     string `json:"version" db:"version"`
	Description string `json:"description,omitempty" db:"description"`
	SchemaJSON  string `json:"schema_json" db:"schema_json"`
	Created     int64  `json:"created" db:"created"`
	Updated     int64  `json:"updated" db:"updated"`
}
