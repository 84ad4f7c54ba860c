// Package telegram delivers chat messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/garnizeh/nudge/internal/config"
)

// package-level logger for pkg/telegram; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/telegram. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Options tune a single message.
type Options struct {
	ParseMode             string
	DisableWebPagePreview bool
	DisableNotification   bool
}

// Sender is the messaging sink. A nil error means the message was accepted.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, opts Options) error
}

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

type Client struct {
	cfg    config.TelegramConfig
	base   *url.URL
	client *http.Client
	closed int32
}

var _ Sender = (*Client)(nil)

func NewClient(cfg config.TelegramConfig, httpClient *http.Client) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
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

	return &Client{cfg: cfg, base: u, client: httpClient}, nil
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send calls sendMessage. An empty opts.ParseMode falls back to the
// configured parse mode.
func (c *Client) Send(ctx context.Context, chatID int64, text string, opts Options) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	mode := opts.ParseMode
	if mode == "" {
		mode = c.cfg.ParseMode
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             mode,
		DisableWebPagePreview: opts.DisableWebPagePreview,
		DisableNotification:   opts.DisableNotification,
	})
	if err != nil {
		return err
	}

	u := c.base.JoinPath("bot"+c.cfg.Token, "sendMessage")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram: decode response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Code: code, Description: out.Description}
	}
	logger.Debug("telegram: message sent", slog.Int64("chat_id", chatID), slog.Int("len", len(text)))

	return nil
}

// Close releases idle connections. It is idempotent.
func (c *Client) Close() error {
	if c == nil || !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}
