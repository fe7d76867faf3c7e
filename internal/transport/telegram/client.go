// Package telegram delivers messages to Telegram chats through telebot.
//
// Destinations are chat ids, optionally followed by a forum thread id:
// "-1001234567890" or "-1001234567890:42".
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"smartsend/internal/transport"
)

type Config struct {
	Token     string        `json:"token"`
	APIURL    string        `json:"api_url"`
	ParseMode string        `json:"parse_mode"`
	Timeout   time.Duration `json:"-"`
}

// Client implements transport.Client.
type Client struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, bot: b}, nil
}

// Target is a parsed destination.
type Target struct {
	ChatID   int64
	ThreadID int
}

func ParseDestination(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, transport.ErrEmptyDestination
	}
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		return Target{}, fmt.Errorf("invalid telegram chat id %q", chat)
	}
	t := Target{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || n < 0 {
			return Target{}, fmt.Errorf("invalid telegram thread id %q", thread)
		}
		t.ThreadID = n
	}
	return t, nil
}

func (c *Client) Send(ctx context.Context, destination, message string) error {
	to, err := ParseDestination(destination)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(message, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode: tele.ParseMode(c.cfg.ParseMode),
			ThreadID:  to.ThreadID,
		}
		if _, err := c.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText cuts long messages into Telegram-sized chunks, preferring a
// newline in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
