package dispatch

import (
	"sort"
	"time"
)

// prune keeps finished-batch memory bounded: finished batches older than
// HistoryTTL are dropped, then the oldest finished ones beyond HistoryMax.
// Idle, running and paused batches are never pruned.
func (e *Engine) prune(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type kv struct {
		id string
		t  time.Time
	}
	var finished []kv
	for id, r := range e.batches {
		r.mu.Lock()
		done := r.status.Terminal() && !r.active
		at := r.finishedAt
		r.mu.Unlock()
		if !done {
			continue
		}
		if at.IsZero() {
			at = r.createdAt
		}
		if now.Sub(at) > e.cfg.HistoryTTL {
			e.dropLocked(id)
			continue
		}
		finished = append(finished, kv{id: id, t: at})
	}

	if len(finished) <= e.cfg.HistoryMax {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].t.Before(finished[j].t) })
	excess := len(finished) - e.cfg.HistoryMax
	for i := 0; i < excess; i++ {
		e.dropLocked(finished[i].id)
	}
}

// dropLocked forgets a finished batch and its worker stats. e.mu must be held.
func (e *Engine) dropLocked(id string) {
	delete(e.batches, id)
	e.sup.Forget(workerName(id))
}
