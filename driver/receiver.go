package driver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/c360/semwire/image"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/pkg/buffer"
	"github.com/c360/semwire/protocol"
)

const (
	receiverCommandLimit = 16
	datagramPollLimit    = 256
)

// ImageRequest asks the conductor to create an image for a session announced by a
// Setup frame. It reports whether the request was queued.
type ImageRequest func(t media.Transport, setup protocol.Setup, source *net.UDPAddr) bool

type receiverEndpoint struct {
	channel    media.Channel
	transport  media.Transport
	receiverID int64
	streams    map[int32]struct{}
	images     map[streamSession]*image.PublicationImage
	// pending holds sessions whose image the conductor is creating.
	pending       map[streamSession]time.Time
	setupRequests map[streamSession]time.Time
	scratch       [protocol.StatusMessageLength]byte
}

// Receiver is the agent that demultiplexes datagrams into images and runs their
// loss detection and Status Message duty.
type Receiver struct {
	ctx          Context
	logger       *slog.Logger
	commands     *buffer.Ring[func()]
	requestImage ImageRequest
	endpoints    map[media.Transport]*receiverEndpoint
}

func newReceiver(ctx Context, requestImage ImageRequest) (*Receiver, error) {
	commands, err := newCommandRing(ctx, "receiver")
	if err != nil {
		return nil, err
	}
	return &Receiver{
		ctx:          ctx,
		logger:       ctx.Logger.With("component", "receiver"),
		commands:     commands,
		requestImage: requestImage,
		endpoints:    make(map[media.Transport]*receiverEndpoint),
	}, nil
}

func (r *Receiver) Name() string { return "receiver" }

// DoWork applies queued commands, reads datagrams from every endpoint and then
// services each image.
func (r *Receiver) DoWork(_ context.Context) (int, error) {
	work := r.commands.Drain(func(cmd func()) { cmd() }, receiverCommandLimit)
	now := r.ctx.Clock.Now()

	for _, ep := range r.endpoints {
		work += ep.transport.Poll(func(data []byte, from *net.UDPAddr) {
			r.onDatagram(ep, data, from, now)
		}, datagramPollLimit)

		for _, pi := range ep.images {
			work += pi.TrackRebuild(now)
			work += pi.ProcessPendingLoss()
			work += pi.SendPendingStatusMessage(now)
		}
		for key, since := range ep.pending {
			if now.Sub(since) >= r.ctx.Config.ImageLivenessTimeout.Std() {
				delete(ep.pending, key)
			}
		}
	}
	return work, nil
}

func (r *Receiver) onDatagram(ep *receiverEndpoint, data []byte, from *net.UDPAddr, now time.Time) {
	if len(data) < protocol.BaseHeaderLength {
		r.ctx.Counters.InvalidFrames.Inc()
		return
	}
	r.ctx.Counters.BytesReceived.Add(int64(len(data)))

	switch protocol.FrameType(data) {
	case protocol.TypeData, protocol.TypePad:
		_, err := protocol.ForEachDataFrame(data, func(h protocol.DataHeader, frame []byte) {
			r.onData(ep, &h, frame, from, now)
		})
		if err != nil {
			r.ctx.Counters.InvalidFrames.Inc()
		}
	case protocol.TypeSetup:
		setup, err := protocol.DecodeSetup(data)
		if err != nil {
			r.ctx.Counters.InvalidFrames.Inc()
			return
		}
		r.onSetup(ep, setup, from, now)
	default:
		r.ctx.Counters.InvalidFrames.Inc()
	}
}

func (r *Receiver) onData(ep *receiverEndpoint, h *protocol.DataHeader, frame []byte, from *net.UDPAddr, now time.Time) {
	if _, ok := ep.streams[h.StreamID]; !ok {
		return
	}
	key := streamSession{h.SessionID, h.StreamID}
	if pi, ok := ep.images[key]; ok {
		pi.InsertPacket(h, frame, now)
		return
	}
	r.elicitSetup(ep, key, from, now)
}

// elicitSetup answers data from an unknown session with a Status Message asking the
// sender for a Setup frame, at most once per setup interval.
func (r *Receiver) elicitSetup(ep *receiverEndpoint, key streamSession, from *net.UDPAddr, now time.Time) {
	if _, ok := ep.pending[key]; ok {
		return
	}
	if last, ok := ep.setupRequests[key]; ok && now.Sub(last) < r.ctx.Config.SetupInterval.Std() {
		return
	}
	ep.setupRequests[key] = now

	sm := protocol.StatusMessage{
		Flags:      protocol.FlagSendSetup,
		SessionID:  key.sessionID,
		StreamID:   key.streamID,
		ReceiverID: ep.receiverID,
	}
	n := sm.Encode(ep.scratch[:])
	if _, err := ep.transport.Send(ep.scratch[:n], ep.channel.ControlDestination(from)); err != nil {
		r.ctx.Counters.ShortSends.Inc()
		return
	}
	r.ctx.Counters.StatusMessagesSent.Inc()
}

func (r *Receiver) onSetup(ep *receiverEndpoint, setup protocol.Setup, from *net.UDPAddr, now time.Time) {
	if _, ok := ep.streams[setup.StreamID]; !ok {
		return
	}
	key := streamSession{setup.SessionID, setup.StreamID}
	if pi, ok := ep.images[key]; ok {
		pi.OnSetup(now)
		return
	}
	if _, ok := ep.pending[key]; ok {
		return
	}
	if r.requestImage(ep.transport, setup, from) {
		ep.pending[key] = now
		delete(ep.setupRequests, key)
	}
}

// OnClose closes the endpoints still open when the agent stops.
func (r *Receiver) OnClose() {
	for t := range r.endpoints {
		_ = t.Close()
	}
	r.endpoints = map[media.Transport]*receiverEndpoint{}
}

func (r *Receiver) onAddEndpoint(ch media.Channel, t media.Transport, receiverID int64) func() {
	return func() {
		r.endpoints[t] = &receiverEndpoint{
			channel:       ch,
			transport:     t,
			receiverID:    receiverID,
			streams:       make(map[int32]struct{}),
			images:        make(map[streamSession]*image.PublicationImage),
			pending:       make(map[streamSession]time.Time),
			setupRequests: make(map[streamSession]time.Time),
		}
	}
}

func (r *Receiver) onRemoveEndpoint(t media.Transport) func() {
	return func() {
		if _, ok := r.endpoints[t]; !ok {
			return
		}
		delete(r.endpoints, t)
		if err := t.Close(); err != nil {
			r.logger.Debug("Close receive endpoint", "error", err)
		}
	}
}

func (r *Receiver) onAddStream(t media.Transport, streamID int32) func() {
	return func() {
		if ep, ok := r.endpoints[t]; ok {
			ep.streams[streamID] = struct{}{}
		}
	}
}

func (r *Receiver) onRemoveStream(t media.Transport, streamID int32) func() {
	return func() {
		if ep, ok := r.endpoints[t]; ok {
			delete(ep.streams, streamID)
		}
	}
}

func (r *Receiver) onAddImage(t media.Transport, pi *image.PublicationImage) func() {
	return func() {
		ep, ok := r.endpoints[t]
		if !ok {
			return
		}
		key := streamSession{pi.SessionID(), pi.StreamID()}
		ep.images[key] = pi
		delete(ep.pending, key)
	}
}

func (r *Receiver) onRemoveImage(t media.Transport, pi *image.PublicationImage) func() {
	return func() {
		ep, ok := r.endpoints[t]
		if !ok {
			return
		}
		key := streamSession{pi.SessionID(), pi.StreamID()}
		if ep.images[key] == pi {
			delete(ep.images, key)
		}
	}
}

// onImageRejected clears the pending mark so the next Setup retries.
func (r *Receiver) onImageRejected(t media.Transport, sessionID, streamID int32) func() {
	return func() {
		if ep, ok := r.endpoints[t]; ok {
			delete(ep.pending, streamSession{sessionID, streamID})
		}
	}
}
