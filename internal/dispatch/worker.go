package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"smartsend/internal/template"
	"smartsend/internal/timing"
	"smartsend/internal/transport"
	"smartsend/pkg/logx"
)

var (
	errEmptyMessage = errors.New("rendered message is empty")
	errNoAddress    = errors.New("recipient has no address")
)

// run is the engine-side state of one batch. Items and cursor are written
// only by the batch worker; callers change status or queue retries under mu
// and then wake the worker.
type run struct {
	id         string
	name       string
	prog       *template.Program
	policy     timing.Policy
	vars       map[string]string
	maxRetries int
	createdAt  time.Time
	log        logx.Logger

	wake chan struct{}

	mu          sync.Mutex
	status      BatchStatus
	items       []Item
	counts      map[ItemStatus]int
	cursor      int
	forwardSent bool
	retries     []int
	queued      map[int]bool
	active      bool
	idle        chan struct{} // closed when the worker exits
	idleClosed  bool
	startedAt   time.Time
	finishedAt  time.Time
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) indexOf(itemID string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(itemID))
	if err != nil || n < 1 || n > len(r.items) {
		return 0, false
	}
	return n - 1, true
}

func (r *run) setItemStatusLocked(idx int, st ItemStatus) {
	it := &r.items[idx]
	r.counts[it.Status]--
	it.Status = st
	r.counts[st]++
}

func (r *run) summaryLocked() Summary {
	return Summary{
		Status:    r.status,
		Total:     len(r.items),
		Sent:      r.counts[ItemSent],
		Failed:    r.counts[ItemFailed],
		Pending:   r.counts[ItemPending],
		Sending:   r.counts[ItemSending],
		Cancelled: r.counts[ItemCancelled],
	}
}

func (r *run) batchEventLocked(now time.Time) ProgressEvent {
	return ProgressEvent{
		Kind:        EventBatch,
		BatchID:     r.id,
		BatchName:   r.name,
		BatchStatus: r.status,
		Summary:     r.summaryLocked(),
		Time:        now,
	}
}

func (r *run) itemEventLocked(it Item, retry bool, now time.Time) ProgressEvent {
	ev := r.batchEventLocked(now)
	ev.Kind = EventItem
	ev.ItemID = it.ID
	ev.Index = it.Index
	ev.RecipientName = it.Recipient.Name
	ev.Destination = it.Recipient.Address()
	ev.Status = it.Status
	ev.Attempt = it.Attempt
	ev.Retry = retry
	ev.Error = it.LastError
	ev.ErrorKind = it.ErrorKind
	ev.QueuedAt = it.CreatedAt
	ev.AttemptedAt = it.LastAttemptAt
	ev.CompletedAt = it.CompletedAt
	if it.Status == ItemSent || it.Status == ItemFailed {
		ev.Message = it.Message
	}
	if it.Attempt > 0 {
		ev.IdempotencyKey = IdempotencyKey(r.id, it.ID, it.Attempt)
	}
	return ev
}

// IdempotencyKey identifies one delivery attempt. Delivery is at-least-once;
// downstream systems can use the key to drop duplicates.
func IdempotencyKey(batchID, itemID string, attempt int) string {
	return batchID + "/" + itemID + "/" + strconv.Itoa(attempt)
}

// spawnLocked starts a worker. r.mu must be held.
func (e *Engine) spawnLocked(r *run) {
	if r.active {
		return
	}
	r.active = true
	if r.idleClosed {
		r.idle = make(chan struct{})
		r.idleClosed = false
	}
	e.sup.Go(workerName(r.id), func(ctx context.Context) error {
		return e.work(ctx, r)
	})
}

func workerName(batchID string) string { return "batch:" + batchID }

// releaseLocked marks the worker gone. r.mu must be held.
func (r *run) releaseLocked() {
	r.active = false
	if !r.idleClosed {
		close(r.idle)
		r.idleClosed = true
	}
}

// next reads the loop state and dequeues a retry unless the batch is
// cancelled.
func (r *run) next() (status BatchStatus, cursor int, sent bool, retry int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, cursor, sent = r.status, r.cursor, r.forwardSent
	if status == BatchCancelled || len(r.retries) == 0 {
		return status, cursor, sent, 0, false
	}
	retry = r.retries[0]
	r.retries = r.retries[1:]
	delete(r.queued, retry)
	return status, cursor, sent, retry, true
}

// exitIfDrained releases the worker when no retry is queued.
func (r *run) exitIfDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.retries) > 0 {
		return false
	}
	r.releaseLocked()
	return true
}

// work is the batch worker loop.
func (e *Engine) work(ctx context.Context, r *run) error {
	var due time.Time
	total := len(r.items)
	for {
		status, cursor, sent, idx, isRetry := r.next()
		if isRetry {
			e.attempt(ctx, r, idx, true)
			continue
		}

		switch status {
		case BatchCancelled:
			e.finishCancelled(r)
			return nil
		case BatchCompleted:
			if r.exitIfDrained() {
				return nil
			}
			continue
		case BatchPaused:
			// A fresh delay is drawn after resume.
			due = time.Time{}
			if !e.sleep(ctx, r, 0) {
				return e.abandon(ctx, r)
			}
			continue
		}

		if cursor >= total {
			e.complete(r)
			continue
		}

		if sent && due.IsZero() {
			due = time.Now().Add(r.policy.NextDelay())
		}
		if !due.IsZero() {
			if wait := time.Until(due); wait > 0 {
				if !e.sleep(ctx, r, wait) {
					return e.abandon(ctx, r)
				}
				continue
			}
		}
		if wait := e.reserve(); wait > 0 {
			due = time.Now().Add(wait)
			continue
		}
		due = time.Time{}

		e.attempt(ctx, r, cursor, false)

		r.mu.Lock()
		r.cursor = cursor + 1
		r.forwardSent = true
		r.mu.Unlock()
	}
}

// reserve takes a token from the shared limiter, or reports how long to wait
// for one without holding it.
func (e *Engine) reserve() time.Duration {
	if e.limiter == nil {
		return 0
	}
	now := time.Now()
	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return 0
	}
	d := res.DelayFrom(now)
	if d > 0 {
		res.CancelAt(now)
	}
	return d
}

// sleep waits for d (or forever when d is 0), a wake signal or ctx. It
// returns false only when ctx is done.
func (e *Engine) sleep(ctx context.Context, r *run, d time.Duration) bool {
	var tc <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		tc = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
		return true
	case <-tc:
		return true
	}
}

// abandon cancels the batch after the hosting supervisor stopped.
func (e *Engine) abandon(ctx context.Context, r *run) error {
	r.log.Warn("batch worker stopped", logx.Err(ctx.Err()))
	r.mu.Lock()
	r.status = BatchCancelled
	r.mu.Unlock()
	e.finishCancelled(r)
	return ctx.Err()
}

func (e *Engine) complete(r *run) {
	now := e.now()
	r.mu.Lock()
	if r.status != BatchRunning {
		r.mu.Unlock()
		return
	}
	r.status = BatchCompleted
	r.finishedAt = now
	ev := r.batchEventLocked(now)
	r.mu.Unlock()

	r.log.Info("batch completed",
		logx.Int("sent", ev.Summary.Sent),
		logx.Int("failed", ev.Summary.Failed),
		logx.Duration("took", now.Sub(r.startedAt)),
	)
	e.emit(ev)
}

func (e *Engine) finishCancelled(r *run) {
	now := e.now()
	r.mu.Lock()
	var events []ProgressEvent
	for i := r.cursor; i < len(r.items); i++ {
		if r.items[i].Status != ItemPending {
			continue
		}
		r.setItemStatusLocked(i, ItemCancelled)
		r.items[i].UpdatedAt = now
		r.items[i].CompletedAt = now
		events = append(events, r.itemEventLocked(r.items[i], false, now))
	}
	r.retries = nil
	clear(r.queued)
	r.finishedAt = now
	events = append(events, r.batchEventLocked(now))
	r.mu.Unlock()

	for _, ev := range events {
		e.emit(ev)
	}
	r.log.Info("batch cancelled", logx.Int("cancelled", len(events)-1))

	r.mu.Lock()
	r.releaseLocked()
	r.mu.Unlock()
}

// attempt performs one Sending -> Sent|Failed cycle for items[idx].
func (e *Engine) attempt(ctx context.Context, r *run, idx int, retry bool) {
	now := e.now()
	r.mu.Lock()
	r.setItemStatusLocked(idx, ItemSending)
	it := &r.items[idx]
	it.Attempt++
	if retry {
		it.Retries++
	}
	it.LastError = ""
	it.ErrorKind = KindNone
	it.LastAttemptAt = now
	it.CompletedAt = time.Time{}
	it.UpdatedAt = now
	snap := *it
	ev := r.itemEventLocked(snap, retry, now)
	r.mu.Unlock()
	e.emit(ev)

	msg, kind, err := e.deliver(ctx, r, snap)

	now = e.now()
	r.mu.Lock()
	it = &r.items[idx]
	it.Message = msg
	it.UpdatedAt = now
	it.CompletedAt = now
	if err == nil {
		r.setItemStatusLocked(idx, ItemSent)
	} else {
		r.setItemStatusLocked(idx, ItemFailed)
		it.LastError = err.Error()
		it.ErrorKind = kind
	}
	snap = *it
	ev = r.itemEventLocked(snap, retry, now)
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("send failed",
			logx.Item(snap.ID),
			logx.Int("attempt", snap.Attempt),
			logx.String("kind", string(kind)),
			logx.Err(err),
		)
	} else {
		r.log.Debug("sent", logx.Item(snap.ID), logx.Int("attempt", snap.Attempt))
	}
	e.emit(ev)
}

// deliver renders a fresh message and hands it to the transport. The send
// runs on a context detached from worker cancellation and bounded by
// SendTimeout.
func (e *Engine) deliver(ctx context.Context, r *run, it Item) (string, ErrorKind, error) {
	vars := make(map[string]string, len(r.vars)+len(EngineVars))
	for k, v := range r.vars {
		vars[k] = v
	}
	vars["index"] = strconv.Itoa(it.Index)
	vars["total"] = strconv.Itoa(len(r.items))
	vars["attempt"] = strconv.Itoa(it.Attempt)
	vars["batch"] = r.name

	msg := e.tpl.Execute(r.prog, it.Recipient, vars)
	if strings.TrimSpace(msg) == "" {
		return msg, KindTemplate, errEmptyMessage
	}
	dest := it.Recipient.Address()
	if dest == "" {
		return msg, KindRecipient, errNoAddress
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	defer cancel()
	sctx = transport.WithIdempotencyKey(sctx, IdempotencyKey(r.id, it.ID, it.Attempt))
	if err := e.send(sctx, dest, msg); err != nil {
		return msg, KindTransport, err
	}
	return msg, KindNone, nil
}

func (e *Engine) send(ctx context.Context, dest, msg string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transport panic: %v", rec)
		}
	}()
	return e.tx.Send(ctx, dest, msg)
}
