package audit

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// MultiLogger fans each event out to several sinks. Every sink is tried even
// when an earlier one fails; the failures come back as one aggregated error.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	nonNil := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			nonNil = append(nonNil, l)
		}
	}
	return &MultiLogger{loggers: nonNil}
}

// Log logs an audit event to all configured loggers
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var result *multierror.Error
	for i, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			result = multierror.Append(result, fmt.Errorf("sink %d (%T): %w", i, l, err))
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink.
func (m *MultiLogger) Close() error {
	var result *multierror.Error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
