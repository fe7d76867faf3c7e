package timing

import (
	"fmt"
	"strings"
	"time"
)

// Parse reads an operator-written policy.
//
// Supported forms:
//   - "5s", "fixed:5s"                   fixed delay
//   - "3s-8s", "3-8s", "random:3s..8s"   random range (a bare number takes the unit of the other end)
func Parse(raw string) (Policy, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Policy{}, fmt.Errorf("timing policy required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "fixed:"):
		d, err := parseDur(strings.TrimSpace(s[len("fixed:"):]), "")
		if err != nil {
			return Policy{}, err
		}
		p := Fixed(d)
		return p, p.Validate()
	case strings.HasPrefix(low, "random:"):
		return parseRange(strings.TrimSpace(s[len("random:"):]))
	}

	if strings.Contains(s, "..") || strings.Contains(strings.TrimPrefix(s, "-"), "-") {
		return parseRange(s)
	}
	d, err := parseDur(s, "")
	if err != nil {
		return Policy{}, err
	}
	p := Fixed(d)
	return p, p.Validate()
}

func parseRange(s string) (Policy, error) {
	sep := ".."
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	lo, hi, ok := strings.Cut(s, sep)
	if !ok {
		return Policy{}, fmt.Errorf("invalid random range %q (use 3s-8s or 3s..8s)", s)
	}
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
	min, err := parseDur(lo, unitOf(hi))
	if err != nil {
		return Policy{}, err
	}
	max, err := parseDur(hi, unitOf(lo))
	if err != nil {
		return Policy{}, err
	}
	p := Random(min, max)
	return p, p.Validate()
}

// parseDur accepts a Go duration or a bare number using unit (default seconds).
func parseDur(s, unit string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if unit == "" {
		unit = "s"
	}
	d, err := time.ParseDuration(s + unit)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func unitOf(s string) string {
	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') && s[i-1] != '.' {
		i--
	}
	return s[i:]
}
