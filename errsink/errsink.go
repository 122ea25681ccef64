// Package errsink collects the non-fatal errors the driver's agents and resources
// report. Sinks log them, publish them as JSON events on NATS, suppress floods, or
// fan out to several of those at once.
package errsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/semwire/errors"
)

// Event is one reported error.
type Event struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Class   string    `json:"class"`
	Message string    `json:"message"`
	// Suppressed counts events dropped by rate limiting since the last delivered one.
	Suppressed int64 `json:"suppressed,omitempty"`
}

// NewEvent classifies err.
func NewEvent(now time.Time, source string, err error) Event {
	return Event{
		Time:    now,
		Source:  source,
		Class:   errors.Classify(err).String(),
		Message: err.Error(),
	}
}

// Sink receives error events. Report must not block the duty cycle for long.
type Sink interface {
	Report(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Report(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes events to a slog logger. Fatal events are logged at error level,
// everything else as warnings.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or the default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "errsink")}
}

func (s *LogSink) Report(ev Event) {
	level := slog.LevelWarn
	if ev.Class == errors.ErrorFatal.String() {
		level = slog.LevelError
	}
	attrs := []any{"source", ev.Source, "class", ev.Class, "error", ev.Message}
	if ev.Suppressed > 0 {
		attrs = append(attrs, "suppressed", ev.Suppressed)
	}
	s.logger.Log(context.Background(), level, "Driver error", attrs...)
}

// Multi reports every event to each sink in order.
type Multi []Sink

func (m Multi) Report(ev Event) {
	for _, s := range m {
		s.Report(ev)
	}
}
