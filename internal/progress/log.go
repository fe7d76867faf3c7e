// Package progress adapts dispatch progress events to logs, the event bus,
// persistent storage and prometheus.
package progress

import (
	"smartsend/internal/dispatch"
	"smartsend/pkg/logx"
)

// LogSink writes one structured line per state change.
// Sending events are logged at debug level only.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log.With(logx.Component("progress"))}
}

func (s *LogSink) Progress(ev dispatch.ProgressEvent) {
	sum := ev.Summary
	if ev.Kind == dispatch.EventBatch {
		s.log.Info("batch "+string(ev.BatchStatus),
			logx.Batch(ev.BatchID),
			logx.String("name", ev.BatchName),
			logx.Int("total", sum.Total),
			logx.Int("sent", sum.Sent),
			logx.Int("failed", sum.Failed),
			logx.Int("pending", sum.Pending),
			logx.Int("cancelled", sum.Cancelled),
		)
		return
	}

	fields := []logx.Field{
		logx.Batch(ev.BatchID),
		logx.Item(ev.ItemID),
		logx.Dest(ev.Destination),
		logx.Int("attempt", ev.Attempt),
		logx.Int("done", sum.Sent+sum.Failed+sum.Cancelled),
		logx.Int("total", sum.Total),
	}
	switch ev.Status {
	case dispatch.ItemSending:
		s.log.Debug("sending", fields...)
	case dispatch.ItemSent:
		s.log.Info("sent", fields...)
	case dispatch.ItemFailed:
		fields = append(fields, logx.String("kind", string(ev.ErrorKind)), logx.String("error", ev.Error))
		s.log.Warn("send failed", fields...)
	case dispatch.ItemCancelled:
		s.log.Debug("item cancelled", fields...)
	}
}
