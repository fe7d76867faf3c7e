// Package timing decides how long the dispatcher waits between two sends.
//
// A Policy is either Fixed (constant delay) or Random (uniform in [Min, Max]).
// Randomized pacing looks human to downstream gateways that throttle or ban
// robotic senders.
package timing

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	ErrNegativeDelay = errors.New("timing: delay must be >= 0")
	ErrInvalidRange  = errors.New("timing: random range requires 0 <= min < max")
	ErrUnknownKind   = errors.New("timing: unknown policy kind")
)

type Kind string

const (
	KindFixed  Kind = "fixed"
	KindRandom Kind = "random"
)

// Rand is the source used for Random delays.
type Rand interface {
	Int64N(n int64) int64
}

type processRand struct{}

func (processRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// Policy is a tagged union; only the fields of Kind are meaningful.
// A Policy is immutable once handed to a batch.
type Policy struct {
	Kind  Kind
	Delay time.Duration // fixed
	Min   time.Duration // random
	Max   time.Duration // random

	mu  *sync.Mutex
	rnd Rand
}

// Fixed returns a policy that always waits d.
func Fixed(d time.Duration) Policy { return Policy{Kind: KindFixed, Delay: d} }

// Random returns a policy that waits a uniform duration in [min, max].
func Random(min, max time.Duration) Policy { return Policy{Kind: KindRandom, Min: min, Max: max} }

// WithRand returns a copy of p drawing Random delays from r.
func (p Policy) WithRand(r Rand) Policy {
	p.rnd = r
	p.mu = &sync.Mutex{}
	return p
}

// Validate checks the variant invariants.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindFixed:
		if p.Delay < 0 {
			return ErrNegativeDelay
		}
	case KindRandom:
		if p.Min < 0 || p.Min >= p.Max {
			return fmt.Errorf("%w (min=%s max=%s)", ErrInvalidRange, p.Min, p.Max)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	return nil
}

// NextDelay returns the wait before the next send.
func (p Policy) NextDelay() time.Duration {
	switch p.Kind {
	case KindFixed:
		if p.Delay < 0 {
			return 0
		}
		return p.Delay
	case KindRandom:
		if p.Min >= p.Max {
			return max(p.Min, 0)
		}
		// Millisecond granularity, both ends inclusive.
		span := int64((p.Max-p.Min)/time.Millisecond) + 1
		return p.Min + time.Duration(p.draw(span))*time.Millisecond
	default:
		return 0
	}
}

func (p Policy) draw(n int64) int64 {
	if p.rnd == nil {
		return processRand{}.Int64N(n)
	}
	if p.mu != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	v := p.rnd.Int64N(n)
	if v < 0 || v >= n {
		return 0
	}
	return v
}

// Average is the mean delay: the constant for Fixed, (Min+Max)/2 for Random.
func (p Policy) Average() time.Duration {
	if p.Kind == KindRandom {
		return (p.Min + p.Max) / 2
	}
	return p.Delay
}

func (p Policy) String() string {
	if p.Kind == KindRandom {
		return fmt.Sprintf("random(%s..%s)", p.Min, p.Max)
	}
	return fmt.Sprintf("fixed(%s)", p.Delay)
}

// Safety classifies a send rate for operator warnings. It never blocks a send.
type Safety string

const (
	SafetyOverCautious Safety = "over-cautious"
	SafetySafe         Safety = "safe"
	SafetyRisky        Safety = "risky"
	SafetyDangerous    Safety = "dangerous"
)

// Classify maps messages/minute to a Safety class:
// < 1 over-cautious, <= 20 safe, <= 30 risky, > 30 dangerous.
func Classify(messagesPerMinute float64) Safety {
	switch {
	case messagesPerMinute < 1:
		return SafetyOverCautious
	case messagesPerMinute <= 20:
		return SafetySafe
	case messagesPerMinute <= 30:
		return SafetyRisky
	default:
		return SafetyDangerous
	}
}

// EstimateReport summarizes pacing for a recipient count.
type EstimateReport struct {
	Recipients              int     `json:"recipients"`
	AverageDelaySeconds     float64 `json:"average_delay_seconds"`
	ExpectedDurationSeconds float64 `json:"expected_duration_seconds"`
	MessagesPerMinute       float64 `json:"messages_per_minute"`
	Safety                  Safety  `json:"safety"`
}

// Estimate projects duration and rate: duration = recipients * average delay,
// messages/minute = 60 / average delay. A zero delay reports +Inf/minute.
func (p Policy) Estimate(recipientCount int) EstimateReport {
	if recipientCount < 0 {
		recipientCount = 0
	}
	avg := p.Average().Seconds()
	mpm := math.Inf(1)
	if avg > 0 {
		mpm = 60 / avg
	}
	return EstimateReport{
		Recipients:              recipientCount,
		AverageDelaySeconds:     avg,
		ExpectedDurationSeconds: float64(recipientCount) * avg,
		MessagesPerMinute:       mpm,
		Safety:                  Classify(mpm),
	}
}

// ExpectedDuration is ExpectedDurationSeconds as a time.Duration.
func (r EstimateReport) ExpectedDuration() time.Duration {
	return time.Duration(r.ExpectedDurationSeconds * float64(time.Second))
}
