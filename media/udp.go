package media

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/pkg/buffer"
	"github.com/c360/semwire/pkg/retry"
)

// UDPConfig tunes UDP transports.
type UDPConfig struct {
	// SocketBufferSize is requested for both socket directions. Zero leaves the OS
	// default.
	SocketBufferSize int
	// RingCapacity bounds the datagrams queued between the reader goroutine and Poll.
	RingCapacity int
	// Retry applies to binding the socket.
	Retry retry.Config
}

// DefaultUDPConfig returns the settings used by the driver.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		SocketBufferSize: 2 * 1024 * 1024,
		RingCapacity:     4096,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

// UDPNetwork opens transports on real sockets.
type UDPNetwork struct {
	cfg  UDPConfig
	deps Deps
}

// NewUDPNetwork creates a network that binds real UDP sockets.
func NewUDPNetwork(cfg UDPConfig, deps Deps) *UDPNetwork {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultUDPConfig().RingCapacity
	}
	return &UDPNetwork{cfg: cfg, deps: deps.withDefaults("udp-transport")}
}

// Open binds ep and starts its reader goroutine.
func (n *UDPNetwork) Open(ep Endpoint) (Transport, error) {
	ring, err := buffer.NewRing[datagram](n.cfg.RingCapacity,
		buffer.WithDropCallback(func(datagram) { n.deps.Counters.DroppedDatagrams.Inc() }))
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{
		deps: n.deps,
		ring: ring,
		done: make(chan struct{}),
	}
	bind := func() error { return t.bind(ep, n.cfg.SocketBufferSize) }
	if err := retry.Do(context.Background(), n.cfg.Retry, bind); err != nil {
		return nil, errors.WrapTransient(err, "udp-transport", "Open", "socket binding")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(t.done)
		t.readLoop()
	}()
	return t, nil
}

// UDPTransport is a Transport over a UDP socket.
type UDPTransport struct {
	deps   Deps
	conn   *net.UDPConn
	local  *net.UDPAddr
	ring   *buffer.Ring[datagram]
	closed atomic.Bool
	wg     sync.WaitGroup
	done   chan struct{}
}

func (t *UDPTransport) bind(ep Endpoint, socketBufferSize int) error {
	if ep.Bind == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "udp-transport", "bind", "bind address")
	}
	var lc net.ListenConfig
	if ep.Group != nil {
		lc.Control = reuseAddress
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ep.Bind.String())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ep.Bind, err)
	}
	conn := pc.(*net.UDPConn)

	if socketBufferSize > 0 {
		if err := conn.SetReadBuffer(socketBufferSize); err != nil {
			t.deps.Logger.Warn("Could not set UDP receive buffer size",
				"buffer_size", socketBufferSize, "addr", ep.Bind.String(), "error", err)
		}
		if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
			t.deps.Logger.Warn("Could not set UDP send buffer size",
				"buffer_size", socketBufferSize, "addr", ep.Bind.String(), "error", err)
		}
	}

	if ep.Group != nil {
		if err := joinGroup(conn, ep); err != nil {
			_ = conn.Close()
			return retry.NonRetryable(err)
		}
	}

	t.conn = conn
	t.local = conn.LocalAddr().(*net.UDPAddr)
	return nil
}

func joinGroup(conn *net.UDPConn, ep Endpoint) error {
	p := ipv4.NewPacketConn(conn)
	var ifi *net.Interface
	if ep.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(ep.Interface); err != nil {
			return fmt.Errorf("interface %q: %w", ep.Interface, err)
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: ep.Group}); err != nil {
		return fmt.Errorf("join group %s: %w", ep.Group, err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	if ep.TTL > 0 {
		if err := p.SetMulticastTTL(ep.TTL); err != nil {
			return fmt.Errorf("set multicast ttl: %w", err)
		}
	}
	return nil
}

const (
	readBackoffMin = time.Millisecond
	readBackoffMax = 100 * time.Millisecond
)

// readBackoff spaces out reads after consecutive non-timeout errors.
type readBackoff struct {
	delay time.Duration
}

func (b *readBackoff) next() time.Duration {
	b.delay = min(max(2*b.delay, readBackoffMin), readBackoffMax)
	return b.delay
}

func (b *readBackoff) reset() { b.delay = 0 }

// readLoop copies each datagram off the socket into the ring. It ends when the
// socket is closed.
func (t *UDPTransport) readLoop() {
	buf := make([]byte, MaxDatagramLength)
	var backoff readBackoff
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			t.deps.Counters.Errors.Inc()
			delay := backoff.next()
			if delay == readBackoffMin {
				t.deps.Logger.Debug("UDP read failed", "addr", t.local.String(), "error", err)
			}
			time.Sleep(delay)
			continue
		}
		backoff.reset()
		data := make([]byte, n)
		copy(data, buf[:n])
		t.ring.Offer(datagram{data: data, from: from})
	}
}

func (t *UDPTransport) Send(b []byte, to *net.UDPAddr) (int, error) {
	n, err := t.conn.WriteToUDP(b, to)
	if err != nil {
		return n, errors.WrapTransient(err, "udp-transport", "Send", "write datagram")
	}
	return n, nil
}

func (t *UDPTransport) Poll(fn func(data []byte, from *net.UDPAddr), limit int) int {
	return t.ring.Drain(func(d datagram) { fn(d.data, d.from) }, limit)
}

func (t *UDPTransport) LocalAddr() *net.UDPAddr { return t.local }

// Close closes the socket and waits for the reader goroutine.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
