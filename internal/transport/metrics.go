package transport

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	median = 0.5
	p90    = 0.9
	p99    = 0.99

	medianError = 0.05
	p90Error    = 0.01
	p99Error    = 0.001

	maxAgeDuration = 5 * time.Minute
)

// Metrics holds the collectors shared by every metered client.
// Create it once per registry and hand it to WithMetrics for each gateway.
type Metrics struct {
	duration *prometheus.SummaryVec
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		duration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace: "smartsend",
				Name:      "transport_send_duration_seconds",
				Help:      "Time spent in a single transport send.",
				Objectives: map[float64]float64{
					median: medianError,
					p90:    p90Error,
					p99:    p99Error,
				},
				MaxAge: maxAgeDuration,
			},
			[]string{"transport", "status"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartsend",
				Name:      "transport_send_total",
				Help:      "Transport send attempts.",
			},
			[]string{"transport"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartsend",
				Name:      "transport_send_status_total",
				Help:      "Transport send results by status.",
			},
			[]string{"transport", "status"},
		),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	if m.results, err = register(reg, m.results); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

type meteredClient struct {
	next    Client
	name    string
	metrics *Metrics
}

// WithMetrics records count, status and latency of every send through next.
func WithMetrics(next Client, name string, m *Metrics) Client {
	if m == nil {
		return next
	}
	return &meteredClient{next: next, name: name, metrics: m}
}

func (c *meteredClient) Send(ctx context.Context, destination, message string) error {
	start := time.Now()
	c.metrics.attempts.WithLabelValues(c.name).Inc()

	err := c.next.Send(ctx, destination, message)

	status := "ok"
	if err != nil {
		status = "failed"
	}
	c.metrics.results.WithLabelValues(c.name, status).Inc()
	c.metrics.duration.WithLabelValues(c.name, status).Observe(time.Since(start).Seconds())
	return err
}
