package errsink

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/semwire/errors"
)

// DefaultSubject is where NATSSink publishes when no subject is configured.
const DefaultSubject = "semwire.errors"

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on a subject. Publish failures are counted
// and logged, never returned to the reporter.
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
	failed  atomic.Int64
	conn    *nats.Conn
}

// NewNATSSink publishes through pub.
func NewNATSSink(pub Publisher, subject string, logger *slog.Logger) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, subject: subject, logger: logger.With("component", "errsink", "subject", subject)}
}

// ConnectNATS dials url and returns a sink that owns the connection.
func ConnectNATS(url, subject, name string, logger *slog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "errsink", "ConnectNATS", "connect to "+url)
	}
	s := NewNATSSink(conn, subject, logger)
	s.conn = conn
	return s, nil
}

func (s *NATSSink) Report(ev Event) {
	data, err := json.Marshal(ev)
	if err == nil {
		err = s.pub.Publish(s.subject, data)
	}
	if err != nil {
		if s.failed.Add(1) == 1 {
			s.logger.Warn("Failed to publish error event", "error", err)
		}
	}
}

// Failed returns how many events could not be published.
func (s *NATSSink) Failed() int64 { return s.failed.Load() }

// Close drains the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return errors.Wrap(err, "errsink", "Close", "drain nats connection")
	}
	return nil
}
