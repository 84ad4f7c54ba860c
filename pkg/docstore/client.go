package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/garnizeh/nudge/internal/config"
)

// package-level logger for pkg/docstore; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/docstore. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Client talks to the document API over HTTP with a per-call timeout and a
// simple circuit breaker.
type Client struct {
	cfg    config.RemoteConfig
	base   *url.URL
	client *http.Client

	failures  int32
	openUntil int64 // unix nano
	closed    int32
}

var _ Store = (*Client)(nil)

func NewClient(cfg config.RemoteConfig, httpClient *http.Client) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	logger.Info("docstore: NewClient created", slog.String("base_url", cfg.BaseURL), slog.Duration("timeout", cfg.Timeout))

	return &Client{cfg: cfg, base: u, client: httpClient}, nil
}

func NewDefaultClient(cfg config.RemoteConfig) (*Client, error) {
	defaultClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 15 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return NewClient(cfg, defaultClient)
}

func (c *Client) isCircuitOpen() bool {
	if c.cfg.CircuitFailureThreshold <= 0 {
		return false
	}
	if atomic.LoadInt32(&c.failures) < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}
	if time.Now().UnixNano() < atomic.LoadInt64(&c.openUntil) {
		return true
	}

	// half-open: reset failures and allow a request
	atomic.StoreInt32(&c.failures, 0)
	return false
}

func (c *Client) recordFailure() {
	v := atomic.AddInt32(&c.failures, 1)
	if c.cfg.CircuitFailureThreshold > 0 && v >= int32(c.cfg.CircuitFailureThreshold) {
		atomic.StoreInt64(&c.openUntil, time.Now().Add(c.cfg.CircuitReset).UnixNano())
		logger.Warn("docstore: circuit opened", slog.Int("failures", int(v)), slog.Duration("reset", c.cfg.CircuitReset))
	}
}

// Close releases idle connections. Close is idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}

type upsertResponse struct {
	ID string `json:"id"`
}

// Upsert creates or replaces the document identified by externalID and
// returns its remote ID.
func (c *Client) Upsert(ctx context.Context, collection, externalID string, properties json.RawMessage) (string, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"properties": properties})
	if err != nil {
		return "", err
	}
	var out upsertResponse
	path := c.base.JoinPath("collections", collection, "documents", externalID)
	if err := c.do(ctx, http.MethodPut, path, body, &out); err != nil {
		return "", classify("upsert", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("docstore: upsert %s: empty document id", externalID)
	}

	return out.ID, nil
}

// ListEditedSince returns one page of documents edited at or after since. A
// zero since lists everything.
func (c *Client) ListEditedSince(ctx context.Context, collection string, since time.Time, cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = c.cfg.PageSize
	}
	u := c.base.JoinPath("collections", collection, "documents")
	q := url.Values{}
	if !since.IsZero() {
		q.Set("edited_since", since.UTC().Format(time.RFC3339Nano))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	var out Page
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return Page{}, classify("list edited since", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, out any) error {
	if c.isCircuitOpen() {
		return ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.recordFailure()
		}
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.recordFailure()
		return fmt.Errorf("decode response: %w", err)
	}
	atomic.StoreInt32(&c.failures, 0)

	return nil
}
