// Package content reads tasks, inbox items and social posts from the content
// repository API.
package content

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Item is a task or inbox entry. Due is either a date ("2026-01-13") or an
// RFC 3339 instant; empty for undated inbox items.
type Item struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Due    string   `json:"due,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Status string   `json:"status,omitempty"`
}

// Post is a scheduled social media post. PostDate follows the Item.Due
// format.
type Post struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	PostDate string `json:"post_date,omitempty"`
	Platform string `json:"platform,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Filter selects items by due date range, inclusive, in YYYY-MM-DD form.
// Inbox selects undated items and ignores the range.
type Filter struct {
	From  string
	To    string
	Inbox bool
}

// Repository is the read side of the content API. Reads are idempotent.
type Repository interface {
	ListDueItems(ctx context.Context, f Filter) ([]Item, error)
	ListPosts(ctx context.Context, f Filter) ([]Post, error)
}

// When is a parsed due or post date.
type When struct {
	Date  string
	At    time.Time
	Timed bool
}

// ParseWhen parses a date-only or RFC 3339 value.
func ParseWhen(s string) (When, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return When{}, fmt.Errorf("empty date")
	}
	if len(s) == len(dateLayout) {
		if _, err := time.Parse(dateLayout, s); err != nil {
			return When{}, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return When{Date: s}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return When{}, fmt.Errorf("invalid instant %q: %w", s, err)
	}
	return When{Date: t.Format(dateLayout), At: t, Timed: true}, nil
}

// LocalDate returns the calendar date of w in loc. Date-only values are
// already local.
func (w When) LocalDate(loc *time.Location) string {
	if !w.Timed {
		return w.Date
	}
	return w.At.In(loc).Format(dateLayout)
}

var closed = map[string]bool{
	"done":      true,
	"completed": true,
	"cancelled": true,
	"canceled":  true,
	"archived":  true,
	"published": true,
}

// Open reports whether the item still needs attention.
func (i Item) Open() bool { return !closed[strings.ToLower(i.Status)] }

// Open reports whether the post is still pending.
func (p Post) Open() bool { return !closed[strings.ToLower(p.Status)] }
