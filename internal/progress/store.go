package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"smartsend/internal/dispatch"
	"smartsend/internal/runtime/supervisor"
	"smartsend/internal/storage"
	"smartsend/pkg/logx"
)

// BatchLookup supplies the batch fields a progress event does not carry.
// *dispatch.Engine satisfies it.
type BatchLookup interface {
	Batch(id string) (dispatch.Batch, error)
}

type StoreOptions struct {
	// Buffer is the number of queued events before new ones are dropped.
	Buffer int
	// Timeout bounds every single store write.
	Timeout time.Duration
	Lookup  BatchLookup
}

// StoreSink persists item outcomes and batch summaries. Progress never
// blocks the batch worker: events are queued and written by a background
// loop, and dropped when the queue is full.
type StoreSink struct {
	st      storage.Store
	log     logx.Logger
	lookup  BatchLookup
	timeout time.Duration

	mu     sync.RWMutex
	ch     chan dispatch.ProgressEvent
	closed bool
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64

	// batches is owned by the write loop.
	batches map[string]storage.BatchRecord
}

func NewStoreSink(st storage.Store, log logx.Logger, opts StoreOptions) *StoreSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &StoreSink{
		st:      st,
		log:     log.With(logx.Component("progress.store")),
		lookup:  opts.Lookup,
		timeout: opts.Timeout,
		ch:      make(chan dispatch.ProgressEvent, opts.Buffer),
		done:    make(chan struct{}),
		batches: map[string]storage.BatchRecord{},
	}
}

// Start runs the write loop on sup.
func (s *StoreSink) Start(sup *supervisor.Supervisor) {
	sup.Go0("progress.store", s.loop)
}

func (s *StoreSink) Progress(ev dispatch.ProgressEvent) {
	if ev.Kind == dispatch.EventItem && ev.Status == dispatch.ItemSending {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn("store queue full; dropping progress events")
		}
	}
}

// Dropped is the number of events never handed to the store.
func (s *StoreSink) Dropped() uint64 { return s.dropped.Load() }

// Failed is the number of store writes that returned an error.
func (s *StoreSink) Failed() uint64 { return s.failed.Load() }

// Close stops accepting events and waits until the queue is written or ctx
// expires.
func (s *StoreSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StoreSink) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			s.write(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			// Flush what is already queued; Close owns the channel.
			for {
				select {
				case ev, ok := <-s.ch:
					if !ok {
						return
					}
					s.write(context.WithoutCancel(ctx), ev)
				default:
					return
				}
			}
		}
	}
}

func (s *StoreSink) write(ctx context.Context, ev dispatch.ProgressEvent) {
	if s.st == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if ev.Kind == dispatch.EventItem {
		err := s.st.AppendOutcome(cctx, storage.OutcomeRecord{
			At:             ev.Time,
			BatchID:        ev.BatchID,
			ItemID:         ev.ItemID,
			Index:          ev.Index,
			Recipient:      ev.RecipientName,
			Destination:    ev.Destination,
			Status:         string(ev.Status),
			Attempt:        ev.Attempt,
			Error:          ev.Error,
			ErrorKind:      string(ev.ErrorKind),
			IdempotencyKey: ev.IdempotencyKey,
			Message:        ev.Message,
			QueuedAt:       ev.QueuedAt,
			AttemptedAt:    ev.AttemptedAt,
			CompletedAt:    ev.CompletedAt,
		})
		s.report("append outcome", ev.BatchID, err)
		return
	}

	rec := s.batchRecord(ev)
	err := s.st.SaveBatch(cctx, rec)
	s.report("save batch", ev.BatchID, err)
	if ev.BatchStatus.Terminal() {
		delete(s.batches, ev.BatchID)
	}
}

func (s *StoreSink) batchRecord(ev dispatch.ProgressEvent) storage.BatchRecord {
	rec, ok := s.batches[ev.BatchID]
	if !ok {
		rec = storage.BatchRecord{ID: ev.BatchID, Name: ev.BatchName, CreatedAt: ev.Time}
		if s.lookup != nil {
			if b, err := s.lookup.Batch(ev.BatchID); err == nil {
				rec.Name = b.Name
				rec.Template = b.Template
				rec.Policy = b.Policy.String()
				rec.CreatedAt = b.CreatedAt
			}
		}
	}
	sum := ev.Summary
	rec.Status = string(ev.BatchStatus)
	rec.Total, rec.Sent, rec.Failed = sum.Total, sum.Sent, sum.Failed
	rec.Pending, rec.Cancelled = sum.Pending+sum.Sending, sum.Cancelled
	rec.UpdatedAt = ev.Time
	if ev.BatchStatus.Terminal() {
		rec.FinishedAt = ev.Time
	}
	s.batches[ev.BatchID] = rec
	return rec
}

func (s *StoreSink) report(op, batchID string, err error) {
	if err == nil {
		return
	}
	s.failed.Add(1)
	s.log.Warn(op+" failed", logx.Batch(batchID), logx.Err(err))
}
