package docgen

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ProgressEvent is one of {taskId, progress, message}, {taskId, result} or
// {taskId, error}.
type ProgressEvent struct {
	TaskID   string `json:"taskId"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProgressSink receives progress events. Delivery is best effort; sinks
// must not block generation.
type ProgressSink interface {
	Report(ev ProgressEvent)
}

func progressEvent(taskID string, pct int, msg string) ProgressEvent {
	pct = min(max(pct, 0), 100)
	return ProgressEvent{TaskID: taskID, Progress: &pct, Message: msg}
}

type NopSink struct{}

func (NopSink) Report(ProgressEvent) {}

// LogSink writes events to a zap logger.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Report(ev ProgressEvent) {
	fields := []zap.Field{zap.String("task", ev.TaskID)}
	switch {
	case ev.Error != "":
		s.Log.Warn("generation failed", append(fields, zap.String("error", ev.Error))...)
	case ev.Result != nil:
		s.Log.Info("generation finished", append(fields, zap.Any("result", ev.Result))...)
	default:
		if ev.Progress != nil {
			fields = append(fields, zap.Int("progress", *ev.Progress))
		}
		s.Log.Debug(ev.Message, fields...)
	}
}

// NATSProgressSink publishes events as JSON on <subject>.<taskId>.
type NATSProgressSink struct {
	nc      *nats.Conn
	subject string
	warn    *rateLimitedLogger
}

func NewNATSProgressSink(nc *nats.Conn, subject string, log *zap.Logger) *NATSProgressSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSProgressSink{nc: nc, subject: subject, warn: newRateLimitedLogger(log, time.Minute)}
}

func (s *NATSProgressSink) Report(ev ProgressEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.warn.Warn("progress event not encodable", zap.String("task", ev.TaskID), zap.Error(err))
		return
	}
	subj := s.subject + "." + sanitize(ev.TaskID, "-_")
	if err := s.nc.Publish(subj, b); err != nil {
		s.warn.Warn("progress publish failed", zap.String("subject", subj), zap.Error(err))
	}
}

// multiSink fans out to several sinks.
type multiSink []ProgressSink

func (m multiSink) Report(ev ProgressEvent) {
	for _, s := range m {
		s.Report(ev)
	}
}
