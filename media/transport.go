package media

import (
	"log/slog"
	"net"

	"github.com/c360/semwire/metric"
)

// MaxDatagramLength is the largest datagram a transport reads.
const MaxDatagramLength = 64 * 1024

// Endpoint describes a local socket.
type Endpoint struct {
	Bind *net.UDPAddr
	// Group is joined when non-nil.
	Group     net.IP
	Interface string
	TTL       int
}

// Transport sends datagrams and hands received ones to the duty cycle. Send and
// Poll are called from a single agent goroutine; reception happens on a transport
// owned goroutine.
type Transport interface {
	// Send writes b as one datagram to the given address.
	Send(b []byte, to *net.UDPAddr) (int, error)

	// Poll passes up to limit received datagrams to fn and returns how many it
	// passed. data is only valid for the duration of the call.
	Poll(fn func(data []byte, from *net.UDPAddr), limit int) int

	// LocalAddr returns the bound address.
	LocalAddr() *net.UDPAddr

	Close() error
}

// Network opens transports.
type Network interface {
	Open(ep Endpoint) (Transport, error)
}

// Deps are the collaborators shared by the transports of a network.
type Deps struct {
	Counters *metric.SystemCounters
	Logger   *slog.Logger
}

func (d Deps) withDefaults(component string) Deps {
	if d.Counters == nil {
		d.Counters = metric.NewSystemCounters()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", component)
	return d
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}
