// Package assist polishes free-text log notes through an optional remote text
// service. It never blocks a note from being logged: any failure returns the
// original text.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrNotConfigured = errors.New("assist: endpoint not configured")

const (
	defaultTimeout = 8 * time.Second
	maxResponse    = 64 << 10
)

type Config struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

type polishRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type polishResponse struct {
	Text string `json:"text"`
}

func New(cfg Config) *Client {
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// IsConfigured returns true if an endpoint is set.
func (c *Client) IsConfigured() bool {
	return c != nil && c.cfg.URL != ""
}

// Polish returns the service's rewrite of text, or text itself when the
// service is unset, unreachable or answers with nothing usable.
func (c *Client) Polish(ctx context.Context, text string) string {
	polished, err := c.Rewrite(ctx, text)
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			log.Warn().Err(err).Msg("assist: polish failed, keeping original text")
		}
		return text
	}
	return polished
}

// Rewrite calls the service and reports failures instead of hiding them.
func (c *Client) Rewrite(ctx context.Context, text string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("assist: empty text")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(polishRequest{Text: text, Model: c.cfg.Model})
	if err != nil {
		return "", fmt.Errorf("assist: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("assist: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("assist: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponse))
		return "", fmt.Errorf("assist: unexpected status %d", resp.StatusCode)
	}

	var out polishResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&out); err != nil {
		return "", fmt.Errorf("assist: decode response: %w", err)
	}
	polished := strings.TrimSpace(out.Text)
	if polished == "" {
		return "", fmt.Errorf("assist: empty response")
	}
	return polished, nil
}
