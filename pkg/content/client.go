package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/garnizeh/nudge/internal/config"
)

// package-level logger for pkg/content; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/content. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Client is the HTTP implementation of Repository.
type Client struct {
	cfg    config.ContentConfig
	base   *url.URL
	client *http.Client
	closed int32
}

var _ Repository = (*Client)(nil)

func NewClient(cfg config.ContentConfig, httpClient *http.Client) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	logger.Info("content: NewClient created", slog.String("base_url", cfg.BaseURL))

	return &Client{cfg: cfg, base: u, client: httpClient}, nil
}

type listResponse[T any] struct {
	Results []T `json:"results"`
}

func (c *Client) ListDueItems(ctx context.Context, f Filter) ([]Item, error) {
	var out listResponse[Item]
	if err := c.get(ctx, "/items", filterQuery(f), &out); err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}
	return out.Results, nil
}

func (c *Client) ListPosts(ctx context.Context, f Filter) ([]Post, error) {
	var out listResponse[Post]
	if err := c.get(ctx, "/posts", filterQuery(f), &out); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return out.Results, nil
}

// Close releases idle connections. It is idempotent.
func (c *Client) Close() error {
	if c == nil || !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}

func filterQuery(f Filter) url.Values {
	q := url.Values{}
	if f.Inbox {
		q.Set("inbox", "true")
		return q
	}
	if f.From != "" {
		q.Set("from", f.From)
	}
	if f.To != "" {
		q.Set("to", f.To)
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
