// Package transport defines the delivery contract used by the dispatcher and
// the decorators shared by every concrete gateway.
package transport

import (
	"context"
	"errors"
	"strings"

	"smartsend/pkg/logx"
)

var ErrEmptyDestination = errors.New("transport: empty destination")

// Client delivers one rendered message to one destination.
//
// A nil error means the gateway accepted the message. A non-nil error's text
// is recorded verbatim as the failure reason. Implementations must not retry
// internally; retries are requested explicitly by the dispatcher's callers.
type Client interface {
	Send(ctx context.Context, destination, message string) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, destination, message string) error

func (f ClientFunc) Send(ctx context.Context, destination, message string) error {
	return f(ctx, destination, message)
}

// Log is a dry-run client: it records the send and always succeeds.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.Component("transport.log"))}
}

func (l *Log) Send(ctx context.Context, destination, message string) error {
	if strings.TrimSpace(destination) == "" {
		return ErrEmptyDestination
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("dry-run send",
		logx.String("to", Mask(destination)),
		logx.Int("chars", len([]rune(message))),
		logx.String("text", message),
	)
	return nil
}

// Mask hides the middle of a destination for logs and span attributes.
func Mask(destination string) string { return logx.Mask(destination) }
