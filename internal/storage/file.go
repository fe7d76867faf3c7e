package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"smartsend/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.outcomes.jsonl          (append-only JSON Lines)
//   - <prefix>.batches.snapshot.json   (periodic snapshot)
//   - <prefix>.batches.journal.jsonl   (append-only journal of upserts)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomePath string
	outcomeFile *os.File

	snapshotPath string
	journalFile  *os.File
	batches      map[string]BatchRecord

	journalWrites int
	compactEvery  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outcomePath := prefix + ".outcomes.jsonl"
	snapPath := prefix + ".batches.snapshot.json"
	journalPath := prefix + ".batches.journal.jsonl"

	of, err := os.OpenFile(outcomePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	batches := map[string]BatchRecord{}
	if err := loadSnapshot(snapPath, batches); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("batch snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, batches); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("batch journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		outcomePath:  outcomePath,
		outcomeFile:  of,
		snapshotPath: snapPath,
		journalFile:  jf,
		batches:      batches,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.journalFile.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.journalFile = nil
	}
	if s.outcomeFile != nil {
		if err := s.outcomeFile.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.outcomeFile = nil
	}
	return result.ErrorOrNil()
}

func (s *fileStore) SaveBatch(ctx context.Context, b BatchRecord) error {
	_ = ctx
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("batch journal closed")
	}
	s.batches[b.ID] = b

	if err := json.NewEncoder(s.journalFile).Encode(b); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("batch journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendOutcome(ctx context.Context, o OutcomeRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeFile == nil {
		return errors.New("outcome file closed")
	}
	return json.NewEncoder(s.outcomeFile).Encode(o)
}

func (s *fileStore) ListOutcomes(ctx context.Context, batchID string) ([]OutcomeRecord, error) {
	// Appends and scans share the lock so a scan never sees a torn line.
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.outcomePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []OutcomeRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var o OutcomeRecord
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		if o.BatchID == batchID {
			out = append(out, o)
		}
	}
	return out, sc.Err()
}

func (s *fileStore) ListBatches(ctx context.Context) ([]BatchRecord, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]BatchRecord, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.batches); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]BatchRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]BatchRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]BatchRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var b BatchRecord
		if err := json.Unmarshal(s.Bytes(), &b); err != nil {
			continue
		}
		if b.ID == "" {
			continue
		}
		out[b.ID] = b
	}
	return s.Err()
}
