// Package libtracker reports the start, outcome and duration of operations.
package libtracker

import (
	"context"
	"log/slog"
	"time"
)

// ActivityTracker starts tracking one operation on a subject. The returned
// functions report a failure, report a state change and end the operation.
type ActivityTracker interface {
	Start(ctx context.Context, operation string, subject string, kvArgs ...any) (reportErr func(err error), reportChange func(id string, data any), end func())
}

// NoopTracker discards everything.
type NoopTracker struct{}

func (NoopTracker) Start(context.Context, string, string, ...any) (func(error), func(string, any), func()) {
	return func(error) {}, func(string, any) {}, func() {}
}

// ChainedTracker fans out to every tracker in order.
type ChainedTracker []ActivityTracker

func (c ChainedTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	errFns := make([]func(error), 0, len(c))
	changeFns := make([]func(string, any), 0, len(c))
	endFns := make([]func(), 0, len(c))
	for _, t := range c {
		e, ch, end := t.Start(ctx, operation, subject, kvArgs...)
		errFns = append(errFns, e)
		changeFns = append(changeFns, ch)
		endFns = append(endFns, end)
	}
	return func(err error) {
			for _, f := range errFns {
				f(err)
			}
		}, func(id string, data any) {
			for _, f := range changeFns {
				f(id, data)
			}
		}, func() {
			for i := len(endFns) - 1; i >= 0; i-- {
				endFns[i]()
			}
		}
}

type logActivityTracker struct {
	logger *slog.Logger
}

// NewLogActivityTracker logs every operation through logger: errors at warn,
// changes and completions at debug.
func NewLogActivityTracker(logger *slog.Logger) ActivityTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &logActivityTracker{logger: logger}
}

func (t *logActivityTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	start := time.Now()
	attrs := []any{"operation", operation, "subject", subject}
	if id := stringValue(ctx, ContextKeyConnectionID); id != "" {
		attrs = append(attrs, "conn_id", id)
	}
	if id := stringValue(ctx, ContextKeyRequestID); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	attrs = append(attrs, kvArgs...)
	logger := t.logger.With(attrs...)

	reportErr := func(err error) {
		logger.WarnContext(ctx, "operation failed", "error", err)
	}
	reportChange := func(id string, data any) {
		logger.DebugContext(ctx, "state changed", "id", id, "data", data)
	}
	end := func() {
		logger.DebugContext(ctx, "operation finished", "duration", time.Since(start))
	}
	return reportErr, reportChange, end
}
