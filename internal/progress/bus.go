package progress

import (
	"smartsend/internal/dispatch"
	"smartsend/internal/eventbus"
)

// BusSink republishes progress events on the event bus. Data carries the
// dispatch.ProgressEvent value.
type BusSink struct {
	bus eventbus.Bus
}

func NewBusSink(bus eventbus.Bus) *BusSink { return &BusSink{bus: bus} }

func (s *BusSink) Progress(ev dispatch.ProgressEvent) {
	if s == nil || s.bus == nil {
		return
	}
	typ := eventbus.TypeDispatchItem
	if ev.Kind == dispatch.EventBatch {
		typ = eventbus.TypeDispatchBatch
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.Time, Data: ev})
}
