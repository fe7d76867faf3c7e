package template

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"smartsend/internal/contact"
)

// Defaults lists the computed variables available to every render.
var Defaults = []string{"date", "time", "weekday", "day", "month", "year"}

type scope struct {
	rec  contact.Recipient
	vars map[string]string // lower-cased keys
	now  time.Time
}

func newScope(r contact.Recipient, vars map[string]string, now time.Time) scope {
	lv := make(map[string]string, len(vars))
	for k, v := range vars {
		lv[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return scope{rec: r, vars: lv, now: now}
}

// lookup order: recipient data, render context, computed defaults, "".
func (s scope) lookup(name string) string {
	if v, ok := s.rec.Lookup(name); ok {
		return v
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if v, ok := s.vars[key]; ok {
		return v
	}
	if v, ok := defaultValue(key, s.now); ok {
		return v
	}
	return ""
}

func defaultValue(key string, now time.Time) (string, bool) {
	switch key {
	case "date":
		return now.Format("2006-01-02"), true
	case "time":
		return now.Format("15:04"), true
	case "weekday", "day":
		return now.Weekday().String(), true
	case "month":
		return now.Month().String(), true
	case "year":
		return strconv.Itoa(now.Year()), true
	}
	return "", false
}

// Validate reports syntax errors and unknown-variable warnings for src.
//
// Known variables are the recipient builtins, the computed defaults and
// extraKnown (render-context keys, attribute names). The result is sorted by
// position, so validating the same input twice yields identical issues.
func Validate(src string, extraKnown ...string) Issues {
	nodes, issues := parse(src)

	known := make(map[string]bool, len(contact.Builtin)+len(Defaults)+len(extraKnown))
	for _, set := range [][]string{contact.Builtin, Defaults, extraKnown} {
		for _, k := range set {
			known[strings.ToLower(strings.TrimSpace(k))] = true
		}
	}
	check := func(n node) {
		if n.kind == nodeVar && !known[strings.ToLower(n.text)] {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeUnknownVariable,
				Pos:      n.pos,
				Name:     n.text,
				Message:  "unknown variable {" + n.text + "} renders as empty text",
			})
		}
	}
	for _, n := range nodes {
		check(n)
		for _, opt := range n.options {
			for _, on := range opt {
				check(on)
			}
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Pos != issues[j].Pos {
			return issues[i].Pos < issues[j].Pos
		}
		return issues[i].Severity > issues[j].Severity
	})
	return issues
}
