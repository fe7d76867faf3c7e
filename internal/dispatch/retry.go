package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"smartsend/pkg/logx"
)

// AutoRetryConfig drives AutoRetry. Attempts counts every send of an item,
// the first one included.
type AutoRetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	Base        time.Duration `json:"-"`
	MaxDelay    time.Duration `json:"-"`
}

// AutoRetry is an opt-in Sink that re-queues transport failures with
// exponential backoff. The engine itself never retries on its own.
type AutoRetry struct {
	eng *Engine
	cfg AutoRetryConfig
	log logx.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	idle    chan struct{} // closed while no retry is scheduled
	epoch   uint64        // bumped on every schedule
	stopped bool
}

func NewAutoRetry(eng *Engine, cfg AutoRetryConfig, log logx.Logger) *AutoRetry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &AutoRetry{
		eng:    eng,
		cfg:    cfg,
		log:    log.With(logx.Component("dispatch.autoretry")),
		timers: map[string]*time.Timer{},
		idle:   idle,
	}
}

func (a *AutoRetry) Progress(ev ProgressEvent) {
	if ev.Kind != EventItem || ev.Status != ItemFailed || !ev.ErrorKind.Retryable() {
		return
	}
	if ev.BatchStatus == BatchCancelled || ev.Attempt >= a.cfg.MaxAttempts {
		return
	}
	key := ev.BatchID + "/" + ev.ItemID
	delay := retryDelay(a.cfg, ev.Attempt)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if t := a.timers[key]; t != nil {
		t.Stop()
	} else if len(a.timers) == 0 {
		a.idle = make(chan struct{})
	}
	a.epoch++
	batchID, itemID := ev.BatchID, ev.ItemID
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		if !stopped {
			a.fire(batchID, itemID)
		}
		// The entry stays until RetryItem has re-activated the batch so
		// Settle never sees an idle retrier in front of a stale batch.
		a.mu.Lock()
		if a.timers[key] == t {
			a.dropLocked(key)
		}
		a.mu.Unlock()
	})
	a.timers[key] = t
	a.log.Debug("auto retry scheduled",
		logx.Batch(batchID),
		logx.Item(itemID),
		logx.Int("next_attempt", ev.Attempt+1),
		logx.Duration("delay", delay),
	)
}

func (a *AutoRetry) fire(batchID, itemID string) {
	if err := a.eng.RetryItem(batchID, itemID); err != nil {
		lvl := a.log.Debug
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrRetryLimit) && !errors.Is(err, ErrNotFound) {
			lvl = a.log.Warn
		}
		lvl("auto retry skipped", logx.Batch(batchID), logx.Item(itemID), logx.Err(err))
	}
}

func (a *AutoRetry) dropLocked(key string) {
	delete(a.timers, key)
	if len(a.timers) == 0 {
		close(a.idle)
	}
}

// Pending is the number of scheduled retries.
func (a *AutoRetry) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Stop cancels every scheduled retry.
func (a *AutoRetry) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for k, t := range a.timers {
		t.Stop()
		a.dropLocked(k)
	}
}

// Wait blocks until no retry is scheduled or ctx ends.
func (a *AutoRetry) Wait(ctx context.Context) error {
	for {
		a.mu.Lock()
		n, idle := len(a.timers), a.idle
		a.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Settle waits for batch id to finish together with every retry it
// triggers. Engine.Wait alone returns while a backoff timer is still armed.
func (a *AutoRetry) Settle(ctx context.Context, id string) (Summary, error) {
	for {
		if err := a.Wait(ctx); err != nil {
			sum, _ := a.eng.GetSummary(id)
			return sum, err
		}
		a.mu.Lock()
		epoch := a.epoch
		a.mu.Unlock()

		sum, err := a.eng.Wait(ctx, id)
		if err != nil {
			return sum, err
		}

		a.mu.Lock()
		quiet := len(a.timers) == 0 && a.epoch == epoch
		a.mu.Unlock()
		if quiet {
			return sum, nil
		}
	}
}

// retryDelay returns the wait before the next attempt; attempt is the one
// that just failed (starting at 1).
func retryDelay(cfg AutoRetryConfig, attempt int) time.Duration {
	base := cfg.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	maxD := cfg.MaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return d
}
