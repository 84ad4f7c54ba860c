// Package docstoretest provides an in-memory docstore.Store for tests.
package docstoretest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garnizeh/nudge/pkg/docstore"
)

// Memory keeps documents per collection. Upserts with unchanged properties
// keep the document's EditedAt, like a real idempotent upsert.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[string]*docstore.Document
	seq     int
	Now     func() time.Time
	Upserts int
	// FailErr is returned by the next FailCount calls to Upsert.
	FailErr   error
	FailCount int
}

func NewMemory() *Memory {
	return &Memory{
		docs: map[string]map[string]*docstore.Document{},
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ docstore.Store = (*Memory)(nil)

func (m *Memory) Upsert(ctx context.Context, collection, externalID string, properties json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCount > 0 {
		m.FailCount--
		return "", m.FailErr
	}
	m.Upserts++

	coll := m.collection(collection)
	if d, ok := coll[externalID]; ok {
		if string(d.Properties) != string(properties) {
			d.Properties = append(json.RawMessage(nil), properties...)
			d.EditedAt = m.Now()
		}
		return d.ID, nil
	}
	m.seq++
	coll[externalID] = &docstore.Document{
		ID:         fmt.Sprintf("doc-%d", m.seq),
		ExternalID: externalID,
		Properties: append(json.RawMessage(nil), properties...),
		EditedAt:   m.Now(),
	}
	return coll[externalID].ID, nil
}

// Edit simulates a change made by a user in the remote UI.
func (m *Memory) Edit(collection, externalID string, properties json.RawMessage, archived bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collection(collection)
	d, ok := coll[externalID]
	if !ok {
		m.seq++
		d = &docstore.Document{ID: fmt.Sprintf("doc-%d", m.seq), ExternalID: externalID}
		coll[externalID] = d
	}
	d.Properties = append(json.RawMessage(nil), properties...)
	d.Archived = archived
	d.EditedAt = at
}

// Get returns a copy of a document.
func (m *Memory) Get(collection, externalID string) (docstore.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.collection(collection)[externalID]
	if !ok {
		return docstore.Document{}, false
	}
	return *d, true
}

// ListEditedSince pages by offset; the cursor is the decimal offset.
func (m *Memory) ListEditedSince(ctx context.Context, collection string, since time.Time, cursor string, pageSize int) (docstore.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pageSize <= 0 {
		pageSize = 100
	}

	var all []docstore.Document
	for _, d := range m.collection(collection) {
		if since.IsZero() || !d.EditedAt.Before(since) {
			all = append(all, *d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].EditedAt.Equal(all[j].EditedAt) {
			return all[i].EditedAt.Before(all[j].EditedAt)
		}
		return all[i].ID < all[j].ID
	})

	offset := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &offset); err != nil {
			return docstore.Page{}, fmt.Errorf("bad cursor %q", cursor)
		}
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := min(offset+pageSize, len(all))
	p := docstore.Page{Results: all[offset:end]}
	if end < len(all) {
		p.HasMore = true
		p.NextCursor = fmt.Sprintf("%d", end)
	}
	return p, nil
}

func (m *Memory) collection(name string) map[string]*docstore.Document {
	c, ok := m.docs[name]
	if !ok {
		c = map[string]*docstore.Document{}
		m.docs[name] = c
	}
	return c
}
