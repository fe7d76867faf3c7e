package progress

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"smartsend/internal/dispatch"
)

// MetricsSink exports dispatch counters.
type MetricsSink struct {
	items   *prometheus.CounterVec
	batches *prometheus.CounterVec
	retries prometheus.Counter
	active  prometheus.Gauge

	mu      sync.Mutex
	running map[string]struct{}
}

func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartsend",
			Name:      "dispatch_items_total",
			Help:      "Settled item attempts by status and error kind.",
		}, []string{"status", "kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartsend",
			Name:      "dispatch_batches_total",
			Help:      "Batches that reached a final status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smartsend",
			Name:      "dispatch_retries_total",
			Help:      "Item re-attempts started.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smartsend",
			Name:      "dispatch_active_batches",
			Help:      "Batches currently running or paused.",
		}),
		running: map[string]struct{}{},
	}
	if reg == nil {
		return s, nil
	}
	for _, c := range []prometheus.Collector{s.items, s.batches, s.retries, s.active} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, errors.New("dispatch metrics already registered")
			}
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Progress(ev dispatch.ProgressEvent) {
	if ev.Kind == dispatch.EventBatch {
		s.mu.Lock()
		switch {
		case ev.BatchStatus == dispatch.BatchRunning || ev.BatchStatus == dispatch.BatchPaused:
			s.running[ev.BatchID] = struct{}{}
		case ev.BatchStatus.Terminal():
			// A retry on a completed batch re-emits completed; count it once.
			if _, ok := s.running[ev.BatchID]; ok {
				delete(s.running, ev.BatchID)
				s.batches.WithLabelValues(string(ev.BatchStatus)).Inc()
			}
		}
		s.active.Set(float64(len(s.running)))
		s.mu.Unlock()
		return
	}

	switch ev.Status {
	case dispatch.ItemSending:
		if ev.Retry {
			s.retries.Inc()
		}
	case dispatch.ItemSent, dispatch.ItemFailed, dispatch.ItemCancelled:
		s.items.WithLabelValues(string(ev.Status), string(ev.ErrorKind)).Inc()
	}
}
