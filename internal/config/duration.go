package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses a duration-valued setting. Empty means unset and yields 0.
// A bare number is read as seconds, the unit dispatch timings default to.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if n, nerr := strconv.ParseFloat(s, 64); nerr == nil {
		d = time.Duration(n * float64(time.Second))
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// DurationOr is Duration with def standing in for unset or zero.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	}
	return d, nil
}

// durationSpan checks that lo does not exceed hi when both are set.
func durationSpan(loPath, lo, hiPath, hi string) error {
	a, err := Duration(loPath, lo)
	if err != nil {
		return err
	}
	b, err := Duration(hiPath, hi)
	if err != nil {
		return err
	}
	if a > 0 && b > 0 && a > b {
		return fmt.Errorf("%s: %s exceeds %s (%s)", loPath, a, hiPath, b)
	}
	return nil
}
