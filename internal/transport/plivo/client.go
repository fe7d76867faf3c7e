// Package plivo sends SMS through the Plivo messaging API.
package plivo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	plivo "github.com/plivo/plivo-go"

	"smartsend/internal/transport"
)

type Config struct {
	AuthID    string        `json:"auth_id"`
	AuthToken string        `json:"auth_token"`
	Source    string        `json:"source"`
	Timeout   time.Duration `json:"-"`
}

// messageCreator is the part of plivo.MessageService used here.
type messageCreator interface {
	Create(params plivo.MessageCreateParams) (*plivo.MessageCreateResponseBody, error)
}

// Client implements transport.Client.
type Client struct {
	src      string
	messages messageCreator
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AuthID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("plivo: auth_id and auth_token are required")
	}
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, errors.New("plivo: source number is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	pc, err := plivo.NewClient(cfg.AuthID, cfg.AuthToken, &plivo.ClientOptions{
		HttpClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("plivo: %w", err)
	}
	return &Client{src: cfg.Source, messages: pc.Messages}, nil
}

func (c *Client) Send(ctx context.Context, destination, message string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return transport.ErrEmptyDestination
	}
	// The SDK call takes no context; honor cancellation up to the request.
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := c.messages.Create(plivo.MessageCreateParams{
		Src:  c.src,
		Dst:  destination,
		Text: message,
	})
	if err != nil {
		return err
	}
	if resp != nil && len(resp.MessageUUID) == 0 {
		return fmt.Errorf("plivo: message not queued: %s", resp.Message)
	}
	return nil
}
