package syncer

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/garnizeh/nudge/pkg/models"
)

// PrefDocument is the remote body of one preference. Its JSON encoding, with
// ValueJSON canonicalized, is what the content hash covers.
type PrefDocument struct {
	ChatID     int64           `json:"chat_id"`
	Scope      string          `json:"scope"`
	Key        string          `json:"key"`
	Category   string          `json:"category"`
	ValueJSON  json.RawMessage `json:"value_json"`
	ValueHuman string          `json:"value_human"`
	Active     bool            `json:"active"`
}

func DocumentFromPreference(p models.Preference) PrefDocument {
	return PrefDocument{
		ChatID:     p.ChatID,
		Scope:      p.Scope,
		Key:        p.Key,
		Category:   p.Category,
		ValueJSON:  p.ValueJSON,
		ValueHuman: p.ValueHuman,
		Active:     p.Active,
	}
}

// Canonical returns d with ValueJSON re-encoded with sorted object keys and
// no insignificant whitespace. Numbers keep their literal form.
func (d PrefDocument) Canonical() (PrefDocument, error) {
	v, err := canonicalJSON(d.ValueJSON)
	if err != nil {
		return d, fmt.Errorf("value_json: %w", err)
	}
	d.ValueJSON = v
	return d, nil
}

// Hash is the hex blake2b-256 of the canonical document. Timestamps and
// source are not part of it, so equal values hash equally on both sides.
func Hash(d PrefDocument) (string, error) {
	c, err := d.Canonical()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashPreference hashes the document form of p.
func HashPreference(p models.Preference) (string, error) {
	return Hash(DocumentFromPreference(p))
}

// ExternalID is the stable remote identity of a preference key.
func ExternalID(chatID int64, scope, key string) string {
	sum := blake2b.Sum256(fmt.Appendf(nil, "%d|%s|%s", chatID, scope, key))
	return "pref_" + hex.EncodeToString(sum[:16])
}

// ProfileExternalID is the remote identity of a chat's profile summary.
func ProfileExternalID(chatID int64) string {
	return fmt.Sprintf("profile:%d", chatID)
}

func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
