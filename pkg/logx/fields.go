package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order, so a repeated key
// keeps the last value.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared by every dispatch record, so batch history can be grepped
// across components.
const (
	KeyComponent = "comp"
	KeyBatch     = "batch"
	KeyItem      = "item"
	KeyCampaign  = "campaign"
	KeyDest      = "dest"
	KeyInstance  = "instance"
)

func Component(name string) Field { return String(KeyComponent, name) }
func Batch(id string) Field       { return String(KeyBatch, id) }
func Item(id string) Field        { return String(KeyItem, id) }
func Campaign(name string) Field  { return String(KeyCampaign, name) }

// Dest logs a recipient address with its middle masked.
func Dest(addr string) Field { return String(KeyDest, Mask(addr)) }

// Mask hides the middle of an address: short values are fully starred,
// longer ones keep two or three characters at each end.
func Mask(addr string) string {
	rs := []rune(strings.TrimSpace(addr))
	if len(rs) <= 4 {
		return strings.Repeat("*", len(rs))
	}
	keep := 2
	if len(rs) > 8 {
		keep = 3
	}
	return string(rs[:keep]) + strings.Repeat("*", len(rs)-2*keep) + string(rs[len(rs)-keep:])
}
