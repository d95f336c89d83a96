package audit

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes each event as one structured log line, for operators
// who ship audit trails from stdout.
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger writes JSON lines to w.
func NewLogrusLogger(w io.Writer) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &LogrusLogger{log: l}
}

func (l *LogrusLogger) Log(_ context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit_id":   event.ID,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	if event.TenantID != "" {
		fields["tenant_id"] = event.TenantID
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.ResourceType != "" {
		fields["resource_type"] = string(event.ResourceType)
		fields["resource_id"] = event.ResourceID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields["meta."+k] = v
	}

	entry := l.log.WithFields(fields).WithTime(event.Timestamp)
	msg := event.Message
	if msg == "" {
		msg = "audit " + string(event.EventType)
	}

	switch event.Status {
	case StatusDenied, StatusFailure:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

func (l *LogrusLogger) Close() error { return nil }
