package timing

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func TestEstimateFixed(t *testing.T) {
	t.Parallel()
	r := Fixed(3 * time.Second).Estimate(10)
	if r.ExpectedDurationSeconds != 30 {
		t.Fatalf("ExpectedDurationSeconds = %v, want 30", r.ExpectedDurationSeconds)
	}
	if r.MessagesPerMinute != 20 {
		t.Fatalf("MessagesPerMinute = %v, want 20", r.MessagesPerMinute)
	}
	if r.Safety != SafetySafe {
		t.Fatalf("Safety = %s, want safe", r.Safety)
	}
	if r.ExpectedDuration() != 30*time.Second {
		t.Fatalf("ExpectedDuration = %s", r.ExpectedDuration())
	}
}

func TestEstimateRandomUsesMean(t *testing.T) {
	t.Parallel()
	r := Random(3*time.Second, 8*time.Second).Estimate(10)
	if r.AverageDelaySeconds != 5.5 {
		t.Fatalf("AverageDelaySeconds = %v, want 5.5", r.AverageDelaySeconds)
	}
	if r.ExpectedDurationSeconds != 55 {
		t.Fatalf("ExpectedDurationSeconds = %v, want 55", r.ExpectedDurationSeconds)
	}
	if math.Abs(r.MessagesPerMinute-60/5.5) > 1e-9 {
		t.Fatalf("MessagesPerMinute = %v", r.MessagesPerMinute)
	}
}

func TestEstimateZeroDelayIsDangerous(t *testing.T) {
	t.Parallel()
	r := Fixed(0).Estimate(5)
	if !math.IsInf(r.MessagesPerMinute, 1) || r.Safety != SafetyDangerous {
		t.Fatalf("unexpected report %+v", r)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mpm  float64
		want Safety
	}{
		{0.5, SafetyOverCautious},
		{1, SafetySafe},
		{20, SafetySafe},
		{21, SafetyRisky},
		{30, SafetyRisky},
		{30.5, SafetyDangerous},
		{120, SafetyDangerous},
	}
	for _, tt := range tests {
		if got := Classify(tt.mpm); got != tt.want {
			t.Fatalf("Classify(%v) = %s, want %s", tt.mpm, got, tt.want)
		}
	}
}

func TestNextDelayRandomWithinBounds(t *testing.T) {
	t.Parallel()
	p := Random(3*time.Second, 8*time.Second).WithRand(rand.New(rand.NewPCG(7, 11)))
	var sawLow, sawHigh bool
	for i := 0; i < 2000; i++ {
		d := p.NextDelay()
		if d < 3*time.Second || d > 8*time.Second {
			t.Fatalf("delay %s out of range", d)
		}
		if d < 4*time.Second {
			sawLow = true
		}
		if d > 7*time.Second {
			sawHigh = true
		}
	}
	if !sawLow || !sawHigh {
		t.Fatalf("delays not spread over range (low=%v high=%v)", sawLow, sawHigh)
	}
}

func TestNextDelayFixed(t *testing.T) {
	t.Parallel()
	p := Fixed(1500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if d := p.NextDelay(); d != 1500*time.Millisecond {
			t.Fatalf("NextDelay = %s", d)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Fixed(-time.Second).Validate(); !errors.Is(err, ErrNegativeDelay) {
		t.Fatalf("expected ErrNegativeDelay, got %v", err)
	}
	if err := Random(5*time.Second, 5*time.Second).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if err := (Policy{Kind: "burst"}).Validate(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if err := Random(0, time.Second).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Policy
	}{
		{raw: "5s", want: Fixed(5 * time.Second)},
		{raw: "fixed:1m", want: Fixed(time.Minute)},
		{raw: "3s-8s", want: Random(3*time.Second, 8*time.Second)},
		{raw: "3-8s", want: Random(3*time.Second, 8*time.Second)},
		{raw: "random:500ms..2s", want: Random(500*time.Millisecond, 2*time.Second)},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.raw, err)
		}
		if got.Kind != tt.want.Kind || got.Delay != tt.want.Delay || got.Min != tt.want.Min || got.Max != tt.want.Max {
			t.Fatalf("Parse(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}

	for _, bad := range []string{"", "soon", "8s-3s", "random:5s"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) expected error", bad)
		}
	}
}
