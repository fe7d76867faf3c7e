// Package httpgw delivers messages by POSTing JSON to a generic HTTP gateway.
package httpgw

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

	"smartsend/internal/transport"
)

type Config struct {
	URL     string            `json:"url"`
	Token   string            `json:"token"`
	Timeout time.Duration     `json:"-"`
	Headers map[string]string `json:"headers"`
}

type payload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Client implements transport.Client.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("httpgw: url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

const maxErrBody = 200

func (c *Client) Send(ctx context.Context, destination, message string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return transport.ErrEmptyDestination
	}
	body, err := json.Marshal(payload{To: destination, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if key := transport.IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	msg := strings.TrimSpace(string(excerpt))
	if msg == "" {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return fmt.Errorf("gateway status %d: %s", resp.StatusCode, msg)
}
