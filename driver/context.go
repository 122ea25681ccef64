package driver

import (
	"log/slog"

	"github.com/filecoin-project/go-clock"

	"github.com/c360/semwire/config"
	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/errsink"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
)

// Context holds the collaborators shared by the conductor, sender and receiver.
// Zero fields are filled with defaults by New.
type Context struct {
	Config config.Driver
	Clock  clock.Clock
	Logger *slog.Logger

	// Registry exports counters and agent metrics. Counters defaults to the
	// registry's counters when both are set.
	Registry *metric.MetricsRegistry
	Counters *metric.SystemCounters

	// ErrorSink receives the non-fatal errors agents return from their duty cycles.
	ErrorSink errsink.Sink

	// Network opens the transports. It defaults to real UDP sockets.
	Network media.Network
}

func (c Context) withDefaults() (Context, error) {
	if err := c.Config.Validate(); err != nil {
		return c, errors.WrapInvalid(err, "driver", "New", "driver config")
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Counters == nil {
		if c.Registry != nil {
			c.Counters = c.Registry.Counters()
		} else {
			c.Counters = metric.NewSystemCounters()
		}
	}
	if c.ErrorSink == nil {
		c.ErrorSink = errsink.NewLogSink(c.Logger)
	}
	if c.Network == nil {
		udp := media.DefaultUDPConfig()
		udp.SocketBufferSize = c.Config.SocketBufferSize
		udp.RingCapacity = c.Config.RingCapacity
		c.Network = media.NewUDPNetwork(udp, media.Deps{Counters: c.Counters, Logger: c.Logger})
	}
	return c, nil
}
