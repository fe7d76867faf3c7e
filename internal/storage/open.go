package storage

import (
	"context"
	"errors"
	"strings"

	"smartsend/pkg/logx"
)

// Store is the persistence API used by the progress sinks and the CLI.
type Store interface {
	SaveBatch(ctx context.Context, b BatchRecord) error
	AppendOutcome(ctx context.Context, o OutcomeRecord) error
	// ListOutcomes returns a batch's outcomes in append order.
	ListOutcomes(ctx context.Context, batchID string) ([]OutcomeRecord, error)
	// ListBatches returns every known batch, most recently updated first.
	ListBatches(ctx context.Context) ([]BatchRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" || driver == "off" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
