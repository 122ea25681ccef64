package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/errsink"
	"github.com/c360/semwire/flowcontrol"
	"github.com/c360/semwire/health"
	"github.com/c360/semwire/image"
	"github.com/c360/semwire/liveness"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/pkg/buffer"
	"github.com/c360/semwire/protocol"
	"github.com/c360/semwire/publication"
	"github.com/c360/semwire/retransmit"
)

const conductorCommandLimit = 32

type sendEndpoint struct {
	channel   media.Channel
	transport media.Transport
	refs      int
}

type receiveEndpoint struct {
	channel    media.Channel
	transport  media.Transport
	receiverID int64
	streams    map[int32]int
	refs       int
}

type publicationEntry struct {
	np       *publication.NetworkPublication
	channel  media.Channel
	endpoint *sendEndpoint
	refs     int
	spies    []imageLink
	state    liveness.State
}

type subscriptionEntry struct {
	sub      *image.Subscription
	channel  media.Channel
	endpoint *receiveEndpoint
}

type imageEntry struct {
	pi       *image.PublicationImage
	endpoint *receiveEndpoint
	links    []imageLink
	state    liveness.State
}

type imageLink struct {
	sub *image.Subscription
	img *image.Image
}

// Conductor is the agent that owns every publication, subscription and image. Client
// calls reach it as commands; it creates and retires resources, hands them to the
// sender and receiver, and runs their timers.
type Conductor struct {
	ctx      Context
	logger   *slog.Logger
	commands *buffer.Ring[func()]
	sender   *Sender
	receiver *Receiver

	// invoker runs client commands on the caller's goroutine.
	invoker   bool
	done      chan struct{}
	closeOnce sync.Once

	sendEndpoints    map[string]*sendEndpoint
	receiveEndpoints map[string]*receiveEndpoint
	publications     []*publicationEntry
	subscriptions    []*subscriptionEntry
	images           []*imageEntry
	lastTimer        time.Time

	// resources holds the health of each publication and image.
	resources *health.Monitor
}

func newConductor(ctx Context) (*Conductor, error) {
	commands, err := newCommandRing(ctx, "conductor")
	if err != nil {
		return nil, err
	}
	return &Conductor{
		ctx:              ctx,
		logger:           ctx.Logger.With("component", "conductor"),
		commands:         commands,
		done:             make(chan struct{}),
		sendEndpoints:    make(map[string]*sendEndpoint),
		receiveEndpoints: make(map[string]*receiveEndpoint),
		resources:        health.NewMonitor(),
	}, nil
}

func newCommandRing(ctx Context, agent string) (*buffer.Ring[func()], error) {
	var opts []buffer.Option[func()]
	opts = append(opts, buffer.WithDropCallback(func(func()) {
		ctx.Counters.ConductorCommandsDropped.Inc()
	}))
	if ctx.Registry != nil {
		opts = append(opts, buffer.WithMetrics[func()](ctx.Registry, agent+"_commands"))
	}
	ring, err := buffer.NewRing[func()](ctx.Config.CommandQueueCapacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "driver", "newCommandRing", agent)
	}
	return ring, nil
}

func (c *Conductor) Name() string { return "conductor" }

// DoWork applies client and receiver commands, refreshes every publisher limit and
// runs the timers once per timer interval.
func (c *Conductor) DoWork(_ context.Context) (int, error) {
	work := c.commands.Drain(func(cmd func()) { cmd() }, conductorCommandLimit)

	for _, e := range c.publications {
		work += e.np.UpdatePublisherLimit()
	}

	now := c.ctx.Clock.Now()
	if now.Sub(c.lastTimer) >= c.ctx.Config.TimerInterval.Std() {
		c.lastTimer = now
		work += c.onTimer(now)
	}
	return work, nil
}

// OnClose releases blocked callers. Transports are closed by the sender and receiver.
func (c *Conductor) OnClose() {
	c.closeOnce.Do(func() { close(c.done) })
}

// call runs fn on the conductor and waits for its result.
func (c *Conductor) call(ctx context.Context, fn func() error) error {
	select {
	case <-c.done:
		return errors.WrapFatal(errors.ErrShuttingDown, "driver", "conductor", "command")
	default:
	}
	if c.invoker {
		return fn()
	}
	reply := make(chan error, 1)
	if !c.commands.Offer(func() { reply <- fn() }) {
		return errors.WrapTransient(errors.ErrQueueFull, "driver", "conductor", "queue command")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.WrapFatal(errors.ErrShuttingDown, "driver", "conductor", "command")
	}
}

func (c *Conductor) post(ring *buffer.Ring[func()], agent string, cmd func()) {
	if !ring.Offer(cmd) {
		c.logger.Warn("Command queue full, command dropped", "agent", agent)
	}
}

func (c *Conductor) addPublication(ch media.Channel, streamID int32) (*publication.Publication, error) {
	for _, e := range c.publications {
		if e.channel.Key() == ch.Key() && e.np.StreamID() == streamID && !e.np.IsClosed() {
			e.refs++
			return c.publicationHandle(e), nil
		}
	}

	ep, err := c.sendEndpoint(ch)
	if err != nil {
		return nil, err
	}

	now := c.ctx.Clock.Now()
	cfg := c.publicationConfig(ch, streamID)
	np, err := publication.New(cfg, publication.Deps{
		Transport:   ep.transport,
		Destination: ch.Endpoint,
		Counters:    c.ctx.Counters,
		Logger:      c.ctx.Logger,
	}, now)
	if err != nil {
		if ep.refs == 0 {
			_ = ep.transport.Close()
			c.releaseSendEndpoint(ep)
		}
		return nil, err
	}
	ep.refs++

	e := &publicationEntry{np: np, channel: ch, endpoint: ep, refs: 1, state: np.State()}
	c.publications = append(c.publications, e)
	c.post(c.sender.commands, "sender", c.sender.onAddPublication(ep.transport, np))

	for _, s := range c.subscriptions {
		if s.channel.Spy && s.channel.Key() == ch.Key() && s.sub.StreamID() == streamID {
			c.linkSpy(e, s.sub)
		}
	}
	c.updateGauges()
	c.logger.Info("Publication added", "channel", ch.URI, "stream_id", streamID,
		"session_id", cfg.SessionID, "term_length", cfg.TermLength)
	return c.publicationHandle(e), nil
}

func (c *Conductor) publicationConfig(ch media.Channel, streamID int32) publication.Config {
	d := c.ctx.Config
	termLength := d.TermBufferLength
	if ch.TermLength > 0 {
		termLength = ch.TermLength
	}
	mtu := d.MTU
	if ch.MTU > 0 {
		mtu = ch.MTU
	}
	return publication.Config{
		SessionID:               c.nextSessionID(ch, streamID),
		StreamID:                streamID,
		InitialTermID:           rand.Int32(),
		TermLength:              termLength,
		MTU:                     mtu,
		TTL:                     ch.TTL,
		HeartbeatInterval:       d.HeartbeatInterval.Std(),
		SetupInterval:           d.SetupInterval.Std(),
		ConnectionTimeout:       d.PublicationConnectionTimeout.Std(),
		Linger:                  d.PublicationLinger.Std(),
		DrainTimeout:            d.PublicationDrainTimeout.Std(),
		SpiesSimulateConnection: d.SpiesSimulateConnection,
		FlowControl: flowcontrol.Config{
			Kind:            ch.FlowControl,
			ReceiverTimeout: d.ReceiverTimeout.Std(),
		},
		Retransmit: retransmit.Config{
			Linger:     d.RetransmitLinger.Std(),
			MaxActions: d.MaxRetransmits,
		},
	}
}

// nextSessionID picks a random session id not used by another publication of the
// same stream on the same endpoint.
func (c *Conductor) nextSessionID(ch media.Channel, streamID int32) int32 {
	for {
		id := rand.Int32()
		taken := false
		for _, e := range c.publications {
			if e.channel.Key() == ch.Key() && e.np.StreamID() == streamID && e.np.SessionID() == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

func (c *Conductor) publicationHandle(e *publicationEntry) *publication.Publication {
	return publication.NewPublication(e.np, uuid.NewString(), e.channel.URI, func(*publication.Publication) {
		err := c.call(context.Background(), func() error {
			e.refs--
			if e.refs == 0 {
				e.np.Close()
				c.logger.Info("Publication closing", "session_id", e.np.SessionID(),
					"stream_id", e.np.StreamID(), "position", e.np.Position())
			}
			return nil
		})
		if err != nil {
			c.logger.Debug("Release publication", "error", err)
		}
	})
}

func (c *Conductor) sendEndpoint(ch media.Channel) (*sendEndpoint, error) {
	if ep, ok := c.sendEndpoints[ch.Key()]; ok {
		return ep, nil
	}
	t, err := c.ctx.Network.Open(ch.SenderEndpoint())
	if err != nil {
		return nil, errors.Wrap(err, "driver", "AddPublication", "open send endpoint "+ch.URI)
	}
	ep := &sendEndpoint{channel: ch, transport: t}
	c.sendEndpoints[ch.Key()] = ep
	return ep, nil
}

// releaseSendEndpoint forgets ep once unused. The sender closes the transport with
// its last publication.
func (c *Conductor) releaseSendEndpoint(ep *sendEndpoint) {
	if ep.refs > 0 {
		return
	}
	delete(c.sendEndpoints, ep.channel.Key())
}

func (c *Conductor) linkSpy(e *publicationEntry, sub *image.Subscription) {
	img := image.NewSpyImage(e.np)
	e.spies = append(e.spies, imageLink{sub: sub, img: img})
	sub.AddImage(img)
}

func (c *Conductor) addSubscription(ch media.Channel, streamID int32) (*image.Subscription, error) {
	s := &subscriptionEntry{channel: ch}
	s.sub = image.NewSubscription(uuid.NewString(), ch.URI, streamID, func(*image.Subscription) {
		err := c.call(context.Background(), func() error {
			c.removeSubscription(s)
			return nil
		})
		if err != nil {
			c.logger.Debug("Release subscription", "error", err)
		}
	})

	if ch.Spy {
		for _, e := range c.publications {
			if e.channel.Key() == ch.Key() && e.np.StreamID() == streamID && !e.np.IsClosed() {
				c.linkSpy(e, s.sub)
			}
		}
	} else {
		ep, err := c.receiveEndpoint(ch)
		if err != nil {
			return nil, err
		}
		ep.refs++
		ep.streams[streamID]++
		if ep.streams[streamID] == 1 {
			c.post(c.receiver.commands, "receiver", c.receiver.onAddStream(ep.transport, streamID))
		}
		s.endpoint = ep
		for _, ie := range c.images {
			if ie.endpoint == ep && ie.pi.StreamID() == streamID && ie.state < liveness.Disconnected {
				c.linkImage(ie, s.sub)
			}
		}
	}

	c.subscriptions = append(c.subscriptions, s)
	c.updateGauges()
	c.logger.Info("Subscription added", "channel", ch.URI, "stream_id", streamID,
		"registration_id", s.sub.RegistrationID())
	return s.sub, nil
}

func (c *Conductor) receiveEndpoint(ch media.Channel) (*receiveEndpoint, error) {
	if ep, ok := c.receiveEndpoints[ch.Key()]; ok {
		return ep, nil
	}
	t, err := c.ctx.Network.Open(ch.ReceiverEndpoint())
	if err != nil {
		return nil, errors.Wrap(err, "driver", "AddSubscription", "open receive endpoint "+ch.URI)
	}
	id := uuid.New()
	ep := &receiveEndpoint{
		channel:    ch,
		transport:  t,
		receiverID: int64(binary.LittleEndian.Uint64(id[:8])),
		streams:    make(map[int32]int),
	}
	c.receiveEndpoints[ch.Key()] = ep
	c.post(c.receiver.commands, "receiver", c.receiver.onAddEndpoint(ch, t, ep.receiverID))
	return ep, nil
}

// removeSubscription detaches s. Images of a stream nobody subscribes to any more are
// closed, and an endpoint with no subscriptions left is handed back to the receiver
// to close.
func (c *Conductor) removeSubscription(s *subscriptionEntry) {
	for i, other := range c.subscriptions {
		if other == s {
			c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
			break
		}
	}
	for _, e := range c.publications {
		e.spies = dropLinks(e.spies, s.sub)
	}
	for _, ie := range c.images {
		ie.links = dropLinks(ie.links, s.sub)
	}

	if ep := s.endpoint; ep != nil {
		streamID := s.sub.StreamID()
		ep.streams[streamID]--
		if ep.streams[streamID] <= 0 {
			delete(ep.streams, streamID)
			c.post(c.receiver.commands, "receiver", c.receiver.onRemoveStream(ep.transport, streamID))
			now := c.ctx.Clock.Now()
			for _, ie := range c.images {
				if ie.endpoint == ep && ie.pi.StreamID() == streamID {
					ie.pi.Close(now)
				}
			}
		}
		ep.refs--
		if ep.refs == 0 {
			delete(c.receiveEndpoints, ep.channel.Key())
			c.post(c.receiver.commands, "receiver", c.receiver.onRemoveEndpoint(ep.transport))
		}
	}
	c.updateGauges()
	c.logger.Info("Subscription removed", "channel", s.channel.URI,
		"registration_id", s.sub.RegistrationID())
}

func dropLinks(links []imageLink, sub *image.Subscription) []imageLink {
	kept := links[:0]
	for _, l := range links {
		if l.sub != sub {
			kept = append(kept, l)
		}
	}
	return kept
}

// requestImage is called by the receiver. The image is created on the conductor.
func (c *Conductor) requestImage(t media.Transport, setup protocol.Setup, source *net.UDPAddr) bool {
	return c.commands.Offer(func() { c.createImage(t, setup, source) })
}

func (c *Conductor) createImage(t media.Transport, setup protocol.Setup, source *net.UDPAddr) {
	var ep *receiveEndpoint
	for _, candidate := range c.receiveEndpoints {
		if candidate.transport == t {
			ep = candidate
			break
		}
	}
	if ep == nil || ep.streams[setup.StreamID] == 0 {
		c.post(c.receiver.commands, "receiver", c.receiver.onImageRejected(t, setup.SessionID, setup.StreamID))
		return
	}

	now := c.ctx.Clock.Now()
	d := c.ctx.Config
	pi, err := image.New(image.Config{
		MaxWindow:            d.EffectiveWindow(int(setup.TermLength)),
		StatusMessageTimeout: d.StatusMessageTimeout.Std(),
		NakDelay:             d.NakDelay.Std(),
		NakRetryTimeout:      d.NakRetryTimeout.Std(),
		LivenessTimeout:      d.ImageLivenessTimeout.Std(),
		Linger:               d.ImageLinger.Std(),
		ReceiverID:           ep.receiverID,
	}, setup, source, image.Deps{
		Transport: ep.transport,
		Control:   ep.channel.ControlDestination(source),
		Counters:  c.ctx.Counters,
		Logger:    c.ctx.Logger,
	}, now)
	if err != nil {
		c.ctx.Counters.Errors.Inc()
		c.ctx.ErrorSink.Report(errsink.NewEvent(now, "conductor", err))
		c.post(c.receiver.commands, "receiver", c.receiver.onImageRejected(t, setup.SessionID, setup.StreamID))
		return
	}

	ie := &imageEntry{pi: pi, endpoint: ep, state: pi.State()}
	c.images = append(c.images, ie)
	for _, s := range c.subscriptions {
		if s.endpoint == ep && s.sub.StreamID() == setup.StreamID {
			c.linkImage(ie, s.sub)
		}
	}
	c.post(c.receiver.commands, "receiver", c.receiver.onAddImage(t, pi))
	c.ctx.Counters.ImagesCreated.Inc()
	c.updateGauges()
	c.logger.Info("Image created", "session_id", setup.SessionID, "stream_id", setup.StreamID,
		"source", source.String(), "join_position", pi.JoinPosition())
}

func (c *Conductor) linkImage(ie *imageEntry, sub *image.Subscription) {
	img := image.NewImage(ie.pi)
	ie.links = append(ie.links, imageLink{sub: sub, img: img})
	sub.AddImage(img)
}

func (c *Conductor) onTimer(now time.Time) int {
	work := 0

	kept := c.publications[:0]
	for _, e := range c.publications {
		state := e.np.OnTimer(now)
		if state != e.state {
			work++
			e.state = state
		}
		if state != liveness.Closed {
			kept = append(kept, e)
			c.recordPublication(e)
			continue
		}
		for _, l := range e.spies {
			l.sub.RemoveImage(l.img)
		}
		e.endpoint.refs--
		c.releaseSendEndpoint(e.endpoint)
		c.post(c.sender.commands, "sender", c.sender.onRemovePublication(e.endpoint.transport, e.np))
		c.forgetPublication(e)
		c.logger.Info("Publication closed", "session_id", e.np.SessionID(), "stream_id", e.np.StreamID())
	}
	clear(c.publications[len(kept):])
	c.publications = kept

	keptImages := c.images[:0]
	for _, ie := range c.images {
		state := ie.pi.OnTimer(now)
		if state != ie.state {
			work++
			ie.state = state
		}
		if state != liveness.Closed {
			keptImages = append(keptImages, ie)
			c.recordImage(ie)
			continue
		}
		for _, l := range ie.links {
			l.sub.RemoveImage(l.img)
		}
		c.post(c.receiver.commands, "receiver", c.receiver.onRemoveImage(ie.endpoint.transport, ie.pi))
		c.forgetImage(ie)
		c.ctx.Counters.ImagesClosed.Inc()
		c.logger.Info("Image closed", "session_id", ie.pi.SessionID(), "stream_id", ie.pi.StreamID(),
			"position", ie.pi.RebuildPosition())
	}
	clear(c.images[len(keptImages):])
	c.images = keptImages

	if work > 0 {
		c.updateGauges()
	}
	return work
}

func (c *Conductor) updateGauges() {
	if c.ctx.Registry == nil {
		return
	}
	m := c.ctx.Registry.Metrics
	m.Publications.Set(float64(len(c.publications)))
	m.Subscriptions.Set(float64(len(c.subscriptions)))
	m.Images.Set(float64(len(c.images)))
}

func labels(sessionID, streamID int32) []string {
	return []string{strconv.Itoa(int(streamID)), strconv.Itoa(int(sessionID))}
}

func resourceName(kind string, sessionID, streamID int32) string {
	return fmt.Sprintf("%s/%d/%d", kind, streamID, sessionID)
}

func (c *Conductor) recordPublication(e *publicationEntry) {
	name := resourceName("publication", e.np.SessionID(), e.np.StreamID())
	if e.np.IsConnected() {
		c.resources.Update(name, health.NewHealthy(name, "connected"))
	} else {
		c.resources.Update(name, health.NewDegraded(name, "no receivers"))
	}
	if c.ctx.Registry == nil {
		return
	}
	m := c.ctx.Registry.Metrics
	l := labels(e.np.SessionID(), e.np.StreamID())
	m.PublisherLimit.WithLabelValues(l...).Set(float64(e.np.PublisherLimit()))
	m.SenderPosition.WithLabelValues(l...).Set(float64(e.np.SenderPosition()))
}

func (c *Conductor) forgetPublication(e *publicationEntry) {
	c.resources.Remove(resourceName("publication", e.np.SessionID(), e.np.StreamID()))
	if c.ctx.Registry == nil {
		return
	}
	m := c.ctx.Registry.Metrics
	l := labels(e.np.SessionID(), e.np.StreamID())
	m.PublisherLimit.DeleteLabelValues(l...)
	m.SenderPosition.DeleteLabelValues(l...)
}

func (c *Conductor) recordImage(ie *imageEntry) {
	name := resourceName("image", ie.pi.SessionID(), ie.pi.StreamID())
	if ie.state == liveness.Connected {
		c.resources.Update(name, health.NewHealthy(name, ie.state.String()))
	} else {
		c.resources.Update(name, health.NewDegraded(name, ie.state.String()))
	}
	if c.ctx.Registry == nil {
		return
	}
	m := c.ctx.Registry.Metrics
	l := labels(ie.pi.SessionID(), ie.pi.StreamID())
	m.ImagePosition.WithLabelValues(l...).Set(float64(ie.pi.RebuildPosition()))
	m.ConnectionState.WithLabelValues(l...).Set(float64(ie.state))
}

func (c *Conductor) forgetImage(ie *imageEntry) {
	c.resources.Remove(resourceName("image", ie.pi.SessionID(), ie.pi.StreamID()))
	if c.ctx.Registry == nil {
		return
	}
	m := c.ctx.Registry.Metrics
	l := labels(ie.pi.SessionID(), ie.pi.StreamID())
	m.ImagePosition.DeleteLabelValues(l...)
	m.ConnectionState.DeleteLabelValues(l...)
}

// closeResources closes the endpoints the conductor opened. It runs after every agent
// has stopped.
func (c *Conductor) closeResources() {
	for _, ep := range c.sendEndpoints {
		_ = ep.transport.Close()
	}
	for _, ep := range c.receiveEndpoints {
		_ = ep.transport.Close()
	}
	for _, s := range c.subscriptions {
		for _, img := range s.sub.Images() {
			s.sub.RemoveImage(img)
		}
	}
	c.sendEndpoints = map[string]*sendEndpoint{}
	c.receiveEndpoints = map[string]*receiveEndpoint{}
}

func (c *Conductor) String() string {
	return fmt.Sprintf("conductor{publications=%d subscriptions=%d images=%d}",
		len(c.publications), len(c.subscriptions), len(c.images))
}
