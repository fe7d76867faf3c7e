// Package schedule starts campaigns later or repeatedly: on a cron
// expression, on a fixed interval, or once at a given time.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// Spec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "0 9 * * 1-5", "@daily", "@every 55m" (prefix "cron:" forces it)
//   - Interval: "55m", "2h30m", or HH:MM like "02:30" (prefix "interval:"/"every:")
//   - Once: "at:2026-10-20T09:00:00+07:00" or "at:2026-10-20 09:00" (schedule timezone)
type Spec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "at"
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Parse reads a schedule string. Local "at:" times are read in loc
// (time.Local when nil).
func Parse(raw string, loc *time.Location) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "at:"):
		at, err := parseAt(strings.TrimSpace(s[len("at:"):]), loc)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindOnce, At: at, Source: "at"}, nil
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if sp, err := parseInterval(s); err == nil {
		return sp, nil
	}
	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * 1-5', HH:MM like '02:30', a duration like '55m', or 'at:<RFC3339>')",
		raw,
	)
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
		}
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: KindInterval, Every: d, Source: src}, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseAt(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("time required after 'at:'")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 like 2026-10-20T09:00:00+07:00)", v)
}

// Next returns the first fire time strictly after now, or the zero time
// when the spec never fires again.
func (s Spec) Next(now time.Time) time.Time {
	switch s.Kind {
	case KindCron:
		sch, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}
		}
		return sch.Next(now)
	case KindInterval:
		return cron.Every(s.Every).Next(now)
	case KindOnce:
		if s.At.After(now) {
			return s.At
		}
	}
	return time.Time{}
}

func (s Spec) String() string {
	switch s.Kind {
	case KindCron:
		return s.Cron
	case KindInterval:
		return "every " + s.Every.String()
	case KindOnce:
		return "at " + s.At.Format(time.RFC3339)
	default:
		return ""
	}
}
