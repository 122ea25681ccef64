package driver

import (
	"context"
	"log/slog"
	"net"

	"github.com/c360/semwire/media"
	"github.com/c360/semwire/pkg/buffer"
	"github.com/c360/semwire/protocol"
	"github.com/c360/semwire/publication"
)

const (
	senderCommandLimit = 16
	controlPollLimit   = 64
)

type streamSession struct {
	sessionID int32
	streamID  int32
}

type senderEndpoint struct {
	transport    media.Transport
	publications map[streamSession]*publication.NetworkPublication
}

// Sender is the agent that moves publication logs onto the network and applies the
// Status Messages and Naks that come back.
type Sender struct {
	ctx      Context
	logger   *slog.Logger
	commands *buffer.Ring[func()]

	endpoints    map[media.Transport]*senderEndpoint
	publications []*publication.NetworkPublication
	roundRobin   int
}

func newSender(ctx Context) (*Sender, error) {
	commands, err := newCommandRing(ctx, "sender")
	if err != nil {
		return nil, err
	}
	return &Sender{
		ctx:       ctx,
		logger:    ctx.Logger.With("component", "sender"),
		commands:  commands,
		endpoints: make(map[media.Transport]*senderEndpoint),
	}, nil
}

func (s *Sender) Name() string { return "sender" }

// DoWork applies queued commands, sends from each publication starting at a rotating
// index, then reads control frames from every endpoint.
func (s *Sender) DoWork(_ context.Context) (int, error) {
	work := s.commands.Drain(func(cmd func()) { cmd() }, senderCommandLimit)
	now := s.ctx.Clock.Now()

	if n := len(s.publications); n > 0 {
		start := s.roundRobin % n
		for i := 0; i < n; i++ {
			work += s.publications[(start+i)%n].Send(now)
		}
		s.roundRobin = start + 1
	}

	for _, ep := range s.endpoints {
		work += ep.transport.Poll(func(data []byte, _ *net.UDPAddr) {
			s.onControl(ep, data)
		}, controlPollLimit)
	}
	return work, nil
}

func (s *Sender) onControl(ep *senderEndpoint, data []byte) {
	if len(data) < protocol.BaseHeaderLength {
		s.ctx.Counters.InvalidFrames.Inc()
		return
	}
	now := s.ctx.Clock.Now()
	switch protocol.FrameType(data) {
	case protocol.TypeSM:
		sm, err := protocol.DecodeStatusMessage(data)
		if err != nil {
			s.ctx.Counters.InvalidFrames.Inc()
			return
		}
		if np, ok := ep.publications[streamSession{sm.SessionID, sm.StreamID}]; ok {
			np.OnStatusMessage(&sm, now)
		}
	case protocol.TypeNak:
		nak, err := protocol.DecodeNak(data)
		if err != nil {
			s.ctx.Counters.InvalidFrames.Inc()
			return
		}
		if np, ok := ep.publications[streamSession{nak.SessionID, nak.StreamID}]; ok {
			np.OnNak(&nak, now)
		}
	default:
		s.ctx.Counters.InvalidFrames.Inc()
	}
}

// OnClose closes the endpoints still open when the agent stops.
func (s *Sender) OnClose() {
	for t := range s.endpoints {
		_ = t.Close()
	}
	s.endpoints = map[media.Transport]*senderEndpoint{}
	s.publications = nil
}

func (s *Sender) onAddPublication(t media.Transport, np *publication.NetworkPublication) func() {
	return func() {
		ep, ok := s.endpoints[t]
		if !ok {
			ep = &senderEndpoint{transport: t, publications: make(map[streamSession]*publication.NetworkPublication)}
			s.endpoints[t] = ep
		}
		ep.publications[streamSession{np.SessionID(), np.StreamID()}] = np
		s.publications = append(s.publications, np)
	}
}

// onRemovePublication closes the endpoint's transport once its last publication is
// gone.
func (s *Sender) onRemovePublication(t media.Transport, np *publication.NetworkPublication) func() {
	return func() {
		for i, p := range s.publications {
			if p == np {
				s.publications = append(s.publications[:i], s.publications[i+1:]...)
				break
			}
		}
		ep, ok := s.endpoints[t]
		if !ok {
			return
		}
		delete(ep.publications, streamSession{np.SessionID(), np.StreamID()})
		if len(ep.publications) == 0 {
			delete(s.endpoints, t)
			if err := t.Close(); err != nil {
				s.logger.Debug("Close send endpoint", "error", err)
			}
		}
	}
}
