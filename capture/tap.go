package capture

import (
	"log/slog"
	"net"

	"github.com/filecoin-project/go-clock"

	"github.com/c360/semwire/media"
)

// Tap is a media.Network that records every datagram its transports send and
// receive.
type Tap struct {
	network media.Network
	w       *Writer
	clock   clock.Clock
	logger  *slog.Logger
}

// NewTap records the traffic of network to w. A nil clock uses the system clock.
func NewTap(network media.Network, w *Writer, clk clock.Clock, logger *slog.Logger) *Tap {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{network: network, w: w, clock: clk, logger: logger.With("component", "capture")}
}

// Open opens a transport on the wrapped network.
func (t *Tap) Open(ep media.Endpoint) (media.Transport, error) {
	inner, err := t.network.Open(ep)
	if err != nil {
		return nil, err
	}
	return &tapTransport{Transport: inner, tap: t}, nil
}

func (t *Tap) record(src, dst *net.UDPAddr, b []byte) {
	if err := t.w.WriteDatagram(t.clock.Now(), src, dst, b); err != nil {
		t.logger.Warn("Capture write failed", "error", err)
	}
}

type tapTransport struct {
	media.Transport
	tap *Tap
}

func (t *tapTransport) Send(b []byte, to *net.UDPAddr) (int, error) {
	n, err := t.Transport.Send(b, to)
	if err == nil {
		t.tap.record(t.LocalAddr(), to, b[:n])
	}
	return n, err
}

func (t *tapTransport) Poll(fn func(data []byte, from *net.UDPAddr), limit int) int {
	return t.Transport.Poll(func(data []byte, from *net.UDPAddr) {
		t.tap.record(from, t.LocalAddr(), data)
		fn(data, from)
	}, limit)
}
