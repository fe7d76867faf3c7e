// Package dispatch runs batches: it renders one message per recipient, paces
// sends with a timing policy and tracks per-item outcomes.
//
// Each running batch is owned by a single worker goroutine. Sends within a
// batch are strictly serial; independent batches run concurrently. Callers
// never touch item state directly: Pause, Resume, Cancel and RetryItem flip
// the batch status or enqueue a retry and wake the worker.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"smartsend/internal/contact"
	"smartsend/internal/runtime/supervisor"
	"smartsend/internal/template"
	"smartsend/internal/timing"
	"smartsend/internal/transport"
	"smartsend/pkg/logx"
)

// Vars supplied by the engine to every render, on top of the batch context.
var EngineVars = []string{"index", "total", "attempt", "batch"}

const (
	defaultSendTimeout = 30 * time.Second
	defaultHistoryMax  = 200
	defaultHistoryTTL  = 24 * time.Hour
)

type Config struct {
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
	// MaxRetries is the default per-item RetryItem cap (0 = unlimited).
	MaxRetries int
	// Finished batches kept in memory.
	HistoryMax int
	HistoryTTL time.Duration
}

type Option func(*Engine)

func WithSink(s ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s...) }
}

// WithLimiter shares a rate budget across batches sending as one identity.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func WithTemplateEngine(t *template.Engine) Option {
	return func(e *Engine) {
		if t != nil {
			e.tpl = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type Engine struct {
	cfg     Config
	tx      transport.Client
	tpl     *template.Engine
	log     logx.Logger
	sup     *supervisor.Supervisor
	limiter *rate.Limiter
	now     func() time.Time

	sinkMu sync.RWMutex
	sinks  []Sink

	mu      sync.Mutex
	batches map[string]*run
	seq     uint64

	closed atomic.Bool
}

func New(cfg Config, tx transport.Client, log logx.Logger, opts ...Option) *Engine {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = defaultHistoryMax
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = defaultHistoryTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:     cfg,
		tx:      tx,
		tpl:     template.New(),
		log:     log.With(logx.Component("dispatch")),
		now:     time.Now,
		batches: map[string]*run{},
	}
	for _, o := range opts {
		o(e)
	}
	e.sup = supervisor.New(context.Background(), supervisor.WithLogger(e.log))
	return e
}

// Subscribe adds a sink after construction.
func (e *Engine) Subscribe(s Sink) {
	if s == nil {
		return
	}
	e.sinkMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinkMu.Unlock()
}

// ValidateTemplate reports template problems. contextKeys names the batch
// context variables and recipient attribute columns available at render time.
func (e *Engine) ValidateTemplate(tpl string, contextKeys ...string) template.Issues {
	known := append(append([]string(nil), EngineVars...), contextKeys...)
	return template.Validate(tpl, known...)
}

// CreateBatch snapshots the request into a new Idle batch. Syntax errors in
// the template and empty recipient lists are rejected.
func (e *Engine) CreateBatch(req BatchRequest) (Batch, error) {
	if e.closed.Load() {
		return Batch{}, ErrClosed
	}
	if len(req.Recipients) == 0 {
		return Batch{}, ErrNoRecipients
	}
	if err := req.Policy.Validate(); err != nil {
		return Batch{}, err
	}
	known := append(mapKeys(req.Context), contact.AttributeKeys(req.Recipients)...)
	issues := e.ValidateTemplate(req.Template, known...)
	if err := issues.Err(); err != nil {
		return Batch{}, err
	}
	prog, err := e.tpl.Compile(req.Template)
	if err != nil {
		return Batch{}, err
	}

	now := e.now()
	e.prune(now)

	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("bt:%d-%d", now.UnixNano(), e.seq)
	e.mu.Unlock()

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.MaxRetries
	}
	vars := make(map[string]string, len(req.Context))
	for k, v := range req.Context {
		vars[k] = v
	}
	items := make([]Item, len(req.Recipients))
	for i, rc := range req.Recipients {
		items[i] = Item{
			ID:        strconv.Itoa(i + 1),
			Index:     i + 1,
			Recipient: rc.Clone(),
			Status:    ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	r := &run{
		id:         id,
		name:       req.Name,
		prog:       prog,
		policy:     req.Policy,
		vars:       vars,
		maxRetries: maxRetries,
		createdAt:  now,
		log:        e.log.ForBatch(id, req.Name),
		wake:       make(chan struct{}, 1),
		idle:       make(chan struct{}),
		status:     BatchIdle,
		items:      items,
		counts:     map[ItemStatus]int{ItemPending: len(items)},
		queued:     map[int]bool{},
	}

	e.mu.Lock()
	e.batches[id] = r
	e.mu.Unlock()

	if w := issues.Warnings(); len(w) > 0 {
		for _, is := range w {
			e.log.Warn("template warning", logx.Batch(id), logx.String("issue", is.String()))
		}
	}
	e.log.Info("batch created",
		logx.Batch(id),
		logx.String("name", req.Name),
		logx.Int("recipients", len(items)),
		logx.String("policy", req.Policy.String()),
		logx.Int("variants", prog.Variants(1_000_000)),
	)
	return e.snapshot(r, true), nil
}

// Start moves an Idle batch to Running and launches its worker.
func (e *Engine) Start(id string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	r, err := e.get(id)
	if err != nil {
		return err
	}
	now := e.now()
	r.mu.Lock()
	if r.status != BatchIdle {
		from := r.status
		r.mu.Unlock()
		return &StateError{BatchID: id, Op: "start", From: from}
	}
	r.status = BatchRunning
	r.startedAt = now
	ev := r.batchEventLocked(now)
	total := len(r.items)
	r.mu.Unlock()

	est := r.policy.Estimate(total)
	fields := []logx.Field{
		logx.Batch(id),
		logx.Int("recipients", total),
		logx.Duration("expected", est.ExpectedDuration()),
		logx.Float64("per_minute", est.MessagesPerMinute),
		logx.String("safety", string(est.Safety)),
	}
	switch est.Safety {
	case timing.SafetyRisky, timing.SafetyDangerous:
		e.log.Warn("batch started with aggressive pacing", fields...)
	default:
		e.log.Info("batch started", fields...)
	}

	e.emit(ev)

	r.mu.Lock()
	e.spawnLocked(r)
	r.mu.Unlock()
	return nil
}

func (e *Engine) Pause(id string) error {
	return e.transition(id, "pause", BatchPaused, BatchRunning)
}

func (e *Engine) Resume(id string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.transition(id, "resume", BatchRunning, BatchPaused)
}

// Cancel stops forward progress. Pending items become Cancelled once the
// worker reaches its next suspension point; an in-flight send completes.
func (e *Engine) Cancel(id string) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.status != BatchRunning && r.status != BatchPaused {
		from := r.status
		r.mu.Unlock()
		return &StateError{BatchID: id, Op: "cancel", From: from}
	}
	r.status = BatchCancelled
	r.mu.Unlock()
	r.signal()
	e.log.Info("batch cancel requested", logx.Batch(id))
	return nil
}

func (e *Engine) transition(id, op string, to BatchStatus, from BatchStatus) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.status != from {
		cur := r.status
		r.mu.Unlock()
		return &StateError{BatchID: id, Op: op, From: cur}
	}
	r.status = to
	ev := r.batchEventLocked(e.now())
	r.mu.Unlock()
	r.signal()
	e.log.Info("batch "+string(to), logx.Batch(id))
	e.emit(ev)
	return nil
}

// RetryItem re-attempts a Failed, retryable item right away with a fresh
// render. Allowed while the batch is Running, Paused or Completed.
func (e *Engine) RetryItem(batchID, itemID string) error {
	r, err := e.get(batchID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case BatchIdle, BatchCancelled:
		return &StateError{BatchID: batchID, Op: "retry", From: r.status}
	}
	idx, ok := r.indexOf(itemID)
	if !ok {
		return &ItemError{BatchID: batchID, ItemID: itemID, Err: ErrNotFound}
	}
	it := r.items[idx]
	switch {
	case r.queued[idx]:
		return &ItemError{BatchID: batchID, ItemID: itemID, Reason: "retry already queued", Err: ErrNotRetryable}
	case it.Status != ItemFailed:
		return &ItemError{BatchID: batchID, ItemID: itemID, Reason: "status " + string(it.Status), Err: ErrNotRetryable}
	case !it.ErrorKind.Retryable():
		return &ItemError{BatchID: batchID, ItemID: itemID, Reason: string(it.ErrorKind) + " failure", Err: ErrNotRetryable}
	case r.maxRetries > 0 && it.Retries >= r.maxRetries:
		return &ItemError{BatchID: batchID, ItemID: itemID, Reason: fmt.Sprintf("%d retries used", it.Retries), Err: ErrRetryLimit}
	}
	if !r.active && e.closed.Load() {
		return ErrClosed
	}

	r.queued[idx] = true
	r.retries = append(r.retries, idx)
	if !r.active {
		e.spawnLocked(r)
	} else {
		r.signal()
	}
	return nil
}

// RetryFailed queues every retryable failed item of a batch and returns how
// many were queued.
func (e *Engine) RetryFailed(batchID string) (int, error) {
	b, err := e.Batch(batchID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range b.Items {
		if !it.Retryable() {
			continue
		}
		if err := e.RetryItem(batchID, it.ID); err != nil {
			e.log.Debug("retry skipped", logx.Batch(batchID), logx.Item(it.ID), logx.Err(err))
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) GetSummary(id string) (Summary, error) {
	r, err := e.get(id)
	if err != nil {
		return Summary{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked(), nil
}

// Batch returns a snapshot including items.
func (e *Engine) Batch(id string) (Batch, error) {
	r, err := e.get(id)
	if err != nil {
		return Batch{}, err
	}
	return e.snapshot(r, true), nil
}

// List returns item-less snapshots ordered by creation time.
func (e *Engine) List() []Batch {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.batches))
	for _, r := range e.batches {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]Batch, 0, len(runs))
	for _, r := range runs {
		out = append(out, e.snapshot(r, false))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the batch is Completed or Cancelled and its worker has
// drained, or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Summary, error) {
	r, err := e.get(id)
	if err != nil {
		return Summary{}, err
	}
	for {
		r.mu.Lock()
		if r.status.Terminal() && !r.active {
			s := r.summaryLocked()
			r.mu.Unlock()
			return s, nil
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			r.mu.Lock()
			s := r.summaryLocked()
			r.mu.Unlock()
			return s, ctx.Err()
		case <-idle:
		}
	}
}

// Close cancels every active batch, waits for workers to drain (bounded by
// ctx) and rejects further work.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	runs := make([]*run, 0, len(e.batches))
	for _, r := range e.batches {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	var waits []<-chan struct{}
	for _, r := range runs {
		r.mu.Lock()
		if r.status == BatchRunning || r.status == BatchPaused {
			r.status = BatchCancelled
		}
		if r.active {
			waits = append(waits, r.idle)
		}
		r.mu.Unlock()
		r.signal()
	}
	for _, ch := range waits {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return e.sup.Stop(ctx)
}

func (e *Engine) get(id string) (*run, error) {
	e.mu.Lock()
	r := e.batches[id]
	e.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return r, nil
}

func (e *Engine) snapshot(r *run, withItems bool) Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Batch{
		ID:         r.id,
		Name:       r.name,
		Template:   r.prog.Source(),
		Policy:     r.policy,
		Context:    make(map[string]string, len(r.vars)),
		MaxRetries: r.maxRetries,
		Status:     r.status,
		Summary:    r.summaryLocked(),
		CreatedAt:  r.createdAt,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	for k, v := range r.vars {
		b.Context[k] = v
	}
	if withItems {
		b.Items = make([]Item, len(r.items))
		for i, it := range r.items {
			it.Recipient = it.Recipient.Clone()
			b.Items[i] = it
		}
	}
	return b
}

func (e *Engine) emit(ev ProgressEvent) {
	e.sinkMu.RLock()
	sinks := e.sinks
	e.sinkMu.RUnlock()
	for _, s := range sinks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.log.Error("progress sink panicked", logx.Batch(ev.BatchID), logx.Any("panic", rec))
				}
			}()
			s.Progress(ev)
		}()
	}
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
