package audit

import (
	"context"
	"sync"
)

// Logger is the interface for audit sinks.
type Logger interface {
	// Log records an event. Callers treat emission as best-effort.
	Log(ctx context.Context, event *Event) error

	// Close flushes buffered events and releases resources.
	Close() error
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) Close() error                      { return nil }

// Recorder keeps events in memory. Used in tests and as a debugging sink.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Log(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events = append(r.events, &cp)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t EventType) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
