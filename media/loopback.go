package media

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/pkg/buffer"
)

// LossFunc decides whether the hub drops a datagram.
type LossFunc func(data []byte, from, to *net.UDPAddr) bool

// Hub is an in-memory network. Every transport bound to an address receives the
// datagrams sent to it, which models both unicast endpoints and multicast groups.
// Addresses with an unspecified IP bind to 127.0.0.1 and port zero is assigned from
// an ephemeral range.
type Hub struct {
	mu       sync.RWMutex
	bindings map[string][]*hubTransport
	nextPort int
	loss     atomic.Pointer[LossFunc]
	capacity int
	deps     Deps
}

// NewHub creates an empty hub.
func NewHub(deps Deps) *Hub {
	return &Hub{
		bindings: make(map[string][]*hubTransport),
		nextPort: 40000,
		capacity: 4096,
		deps:     deps.withDefaults("loopback-transport"),
	}
}

// SetLoss installs fn; nil delivers everything.
func (h *Hub) SetLoss(fn LossFunc) {
	if fn == nil {
		h.loss.Store(nil)
		return
	}
	h.loss.Store(&fn)
}

// Open binds a transport to ep.Bind.
func (h *Hub) Open(ep Endpoint) (Transport, error) {
	if ep.Bind == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "loopback-transport", "Open", "bind address")
	}
	ring, err := buffer.NewRing[datagram](h.capacity,
		buffer.WithDropCallback(func(datagram) { h.deps.Counters.DroppedDatagrams.Inc() }))
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	local := &net.UDPAddr{IP: ep.Bind.IP, Port: ep.Bind.Port}
	if local.IP == nil || local.IP.IsUnspecified() {
		local.IP = net.IPv4(127, 0, 0, 1)
	}
	if local.Port == 0 {
		local.Port = h.nextPort
		h.nextPort++
	}
	key := local.String()
	if ep.Group == nil && len(h.bindings[key]) > 0 {
		return nil, errors.WrapTransient(fmt.Errorf("address %s in use", key), "loopback-transport", "Open", "bind")
	}

	t := &hubTransport{hub: h, local: local, key: key, ring: ring}
	h.bindings[key] = append(h.bindings[key], t)
	return t, nil
}

func (h *Hub) deliver(b []byte, from, to *net.UDPAddr) {
	if fn := h.loss.Load(); fn != nil && (*fn)(b, from, to) {
		return
	}
	h.mu.RLock()
	targets := h.bindings[to.String()]
	h.mu.RUnlock()
	for _, t := range targets {
		data := make([]byte, len(b))
		copy(data, b)
		t.ring.Offer(datagram{data: data, from: from})
	}
}

func (h *Hub) unbind(t *hubTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.bindings[t.key]
	kept := make([]*hubTransport, 0, len(list))
	for _, other := range list {
		if other != t {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(h.bindings, t.key)
		return
	}
	h.bindings[t.key] = kept
}

type hubTransport struct {
	hub    *Hub
	local  *net.UDPAddr
	key    string
	ring   *buffer.Ring[datagram]
	closed atomic.Bool
}

func (t *hubTransport) Send(b []byte, to *net.UDPAddr) (int, error) {
	if t.closed.Load() {
		return 0, errors.WrapFatal(errors.ErrClosed, "loopback-transport", "Send", "write datagram")
	}
	t.hub.deliver(b, t.local, to)
	return len(b), nil
}

func (t *hubTransport) Poll(fn func(data []byte, from *net.UDPAddr), limit int) int {
	return t.ring.Drain(func(d datagram) { fn(d.data, d.from) }, limit)
}

func (t *hubTransport) LocalAddr() *net.UDPAddr { return t.local }

func (t *hubTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.hub.unbind(t)
	}
	return nil
}
