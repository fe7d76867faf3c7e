package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"smartsend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumns(ctx, "outcomes", "queued_at", "attempted_at", "completed_at")
}

// addColumns brings tables created by older releases up to the current
// schema. New TEXT columns are added when missing.
func (s *sqliteStore) addColumns(ctx context.Context, table string, cols ...string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, c := range cols {
		if have[c] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, c)); err != nil {
			return fmt.Errorf("add %s.%s: %w", table, c, err)
		}
		s.log.Info("schema column added", logx.String("table", table), logx.String("column", c))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveBatch(ctx context.Context, b BatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches(id, name, template, policy, status, total, sent, failed, pending, cancelled, created_at, finished_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, total=excluded.total, sent=excluded.sent, failed=excluded.failed,
		   pending=excluded.pending, cancelled=excluded.cancelled, finished_at=excluded.finished_at,
		   updated_at=excluded.updated_at`,
		b.ID, nullStr(b.Name), nullStr(b.Template), nullStr(b.Policy), b.Status,
		b.Total, b.Sent, b.Failed, b.Pending, b.Cancelled,
		timeStr(b.CreatedAt), timeStr(b.FinishedAt), timeStr(b.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o OutcomeRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, batch_id, item_id, idx, recipient, destination, status, attempt, err, err_kind, idempotency_key, message,
		   queued_at, attempted_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		timeStr(o.At), o.BatchID, o.ItemID, o.Index, nullStr(o.Recipient), o.Destination, o.Status, o.Attempt,
		nullStr(o.Error), nullStr(o.ErrorKind), nullStr(o.IdempotencyKey), nullStr(o.Message),
		timeStr(o.QueuedAt), timeStr(o.AttemptedAt), timeStr(o.CompletedAt),
	)
	return err
}

func (s *sqliteStore) ListOutcomes(ctx context.Context, batchID string) ([]OutcomeRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, batch_id, item_id, idx, recipient, destination, status, attempt, err, err_kind, idempotency_key, message,
		   queued_at, attempted_at, completed_at
		 FROM outcomes WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			o                            OutcomeRecord
			at                           string
			rcpt, errStr, kind, key, msg sql.NullString
			queued, attempted, completed sql.NullString
		)
		if err := rows.Scan(&at, &o.BatchID, &o.ItemID, &o.Index, &rcpt, &o.Destination, &o.Status, &o.Attempt, &errStr, &kind, &key, &msg,
			&queued, &attempted, &completed); err != nil {
			return nil, err
		}
		o.At = parseTime(at)
		o.QueuedAt, o.AttemptedAt, o.CompletedAt = parseTime(queued.String), parseTime(attempted.String), parseTime(completed.String)
		o.Recipient, o.Error, o.ErrorKind, o.IdempotencyKey, o.Message = rcpt.String, errStr.String, kind.String, key.String, msg.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListBatches(ctx context.Context) ([]BatchRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, template, policy, status, total, sent, failed, pending, cancelled, created_at, finished_at, updated_at
		 FROM batches ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var (
			b                                    BatchRecord
			name, tpl, policy, created, finished sql.NullString
			updated                              string
		)
		if err := rows.Scan(&b.ID, &name, &tpl, &policy, &b.Status, &b.Total, &b.Sent, &b.Failed, &b.Pending, &b.Cancelled, &created, &finished, &updated); err != nil {
			return nil, err
		}
		b.Name, b.Template, b.Policy = name.String, tpl.String, policy.String
		b.CreatedAt, b.FinishedAt, b.UpdatedAt = parseTime(created.String), parseTime(finished.String), parseTime(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func timeStr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
