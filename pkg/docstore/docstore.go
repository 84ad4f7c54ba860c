// Package docstore is the client for the remote document API that mirrors
// chat preferences.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var ErrCircuitOpen = errors.New("docstore circuit open")

// Document is one remote document. Properties holds the collection-specific
// body.
type Document struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Properties json.RawMessage `json:"properties"`
	Archived   bool            `json:"archived"`
	EditedAt   time.Time       `json:"edited_at"`
}

// Page is one page of an edited-since listing.
type Page struct {
	Results    []Document `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Store is the remote document API. Upsert is idempotent under externalID.
type Store interface {
	Upsert(ctx context.Context, collection, externalID string, properties json.RawMessage) (string, error)
	ListEditedSince(ctx context.Context, collection string, since time.Time, cursor string, pageSize int) (Page, error)
}

// TransientError marks failures worth retrying: network errors, timeouts,
// 429 and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("docstore: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err should be retried later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func classify(op string, err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests || se.Code >= 500 {
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("docstore: %s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}
