// Package publication implements the send path: the client Publication handle that
// offers messages into a Log, and the NetworkPublication the driver's sender and
// conductor duty cycles use to drain the log to the network, apply flow control and
// service retransmit requests.
package publication

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/flowcontrol"
	"github.com/c360/semwire/liveness"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
	"github.com/c360/semwire/protocol"
	"github.com/c360/semwire/retransmit"
)

// Config parameterizes a NetworkPublication.
type Config struct {
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	TermLength    int
	MTU           int
	TTL           int

	HeartbeatInterval time.Duration
	SetupInterval     time.Duration
	// ConnectionTimeout is how long spies wait for a network receiver before they
	// simulate a connection.
	ConnectionTimeout time.Duration
	// Linger keeps a closed publication's log available for retransmits.
	Linger                  time.Duration
	// DrainTimeout bounds how long a closing publication waits for its spies to
	// consume what was published.
	DrainTimeout            time.Duration
	SpiesSimulateConnection bool

	FlowControl flowcontrol.Config
	Retransmit  retransmit.Config
}

// Deps are the publication's collaborators.
type Deps struct {
	// Transport sends data and receives control frames.
	Transport   media.Transport
	Destination *net.UDPAddr
	Counters    *metric.SystemCounters
	Logger      *slog.Logger
}

// NetworkPublication is the driver side of a publication. Send, OnStatusMessage and
// OnNak run on the sender duty cycle; UpdatePublisherLimit and OnTimer on the
// conductor. The positions they share are atomics.
type NetworkPublication struct {
	cfg      Config
	log      *logbuffer.Log
	deps     Deps
	shift    uint
	termLen  int
	window   int64
	maxMsg   int
	maxPay   int
	hdrProto protocol.DataHeader

	publisherLimit atomic.Int64
	senderPosition atomic.Int64
	connected      atomic.Bool
	simulating     atomic.Bool
	closing        atomic.Bool
	spies          atomic.Pointer[[]*atomic.Int64]

	// sender duty cycle
	flowControl     *flowcontrol.SimulatedSpy
	retransmits     *retransmit.Handler
	senderLimit     int64
	lastSendTime    time.Time
	lastSetupTime   time.Time
	shouldSendSetup bool
	scratch         [protocol.SetupLength]byte
	eosSent         bool

	// conductor
	state         *liveness.Tracker
	cleanPosition int64
	closeTime     time.Time
}

// New creates a publication and its log.
func New(cfg Config, deps Deps, now time.Time) (*NetworkPublication, error) {
	if deps.Transport == nil || deps.Destination == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "publication", "New", "transport and destination")
	}
	if deps.Counters == nil {
		deps.Counters = metric.NewSystemCounters()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "publication",
		"session_id", cfg.SessionID, "stream_id", cfg.StreamID)

	log, err := logbuffer.NewLog(cfg.TermLength, cfg.InitialTermID, cfg.SessionID, cfg.StreamID, cfg.MTU)
	if err != nil {
		return nil, errors.Wrap(err, "publication", "New", "log allocation")
	}

	p := &NetworkPublication{
		cfg:             cfg,
		log:             log,
		deps:            deps,
		shift:           log.PositionBitsToShift(),
		termLen:         cfg.TermLength,
		window:          int64(logbuffer.TermWindowLength(cfg.TermLength)),
		maxMsg:          logbuffer.MaxMessageLength(cfg.TermLength),
		maxPay:          logbuffer.MaxPayloadLength(cfg.MTU),
		retransmits:     retransmit.NewHandler(cfg.Retransmit),
		shouldSendSetup: true,
	}
	p.hdrProto = protocol.DataHeader{
		Version:   protocol.Version,
		Type:      protocol.TypeData,
		SessionID: cfg.SessionID,
		StreamID:  cfg.StreamID,
	}
	empty := make([]*atomic.Int64, 0)
	p.spies.Store(&empty)

	fcCfg := cfg.FlowControl
	onTimeout := fcCfg.OnReceiverTimeout
	fcCfg.OnReceiverTimeout = func(receiverID int64) {
		deps.Counters.ReceiverTimeouts.Inc()
		deps.Logger.Debug("Receiver timed out", "receiver_id", receiverID)
		if onTimeout != nil {
			onTimeout(receiverID)
		}
	}
	p.flowControl = flowcontrol.NewSimulatedSpy(flowcontrol.New(fcCfg), cfg.SpiesSimulateConnection,
		cfg.ConnectionTimeout, now, p.spyPositions)
	p.flowControl.Initialize(cfg.InitialTermID, cfg.TermLength)

	p.state = liveness.NewTracker(liveness.Timeouts{Linger: cfg.Linger}, now, func(from, to liveness.State) {
		deps.Logger.Debug("Publication state changed", "from", from.String(), "to", to.String())
	})
	return p, nil
}

// Log returns the publication's log.
func (p *NetworkPublication) Log() *logbuffer.Log { return p.log }

func (p *NetworkPublication) SessionID() int32 { return p.cfg.SessionID }
func (p *NetworkPublication) StreamID() int32  { return p.cfg.StreamID }

// PublisherLimit is the position offers may reach.
func (p *NetworkPublication) PublisherLimit() int64 { return p.publisherLimit.Load() }

// SenderPosition is the position sent to the network.
func (p *NetworkPublication) SenderPosition() int64 { return p.senderPosition.Load() }

// Position is the producer position.
func (p *NetworkPublication) Position() int64 { return p.log.Position() }

// IsConnected reports whether flow control has its receivers, real or simulated.
func (p *NetworkPublication) IsConnected() bool { return p.connected.Load() }

// IsClosed reports whether the publication has been closed by its owner.
func (p *NetworkPublication) IsClosed() bool { return p.closing.Load() }

// State returns the connection state.
func (p *NetworkPublication) State() liveness.State { return p.state.State() }

// Close starts draining. The log stays readable until the linger ends.
func (p *NetworkPublication) Close() { p.closing.Store(true) }

// AddSpy registers a local reader's position. Spies hold the publisher limit back
// and can stand in for network receivers.
func (p *NetworkPublication) AddSpy(position *atomic.Int64) {
	for {
		old := p.spies.Load()
		next := make([]*atomic.Int64, 0, len(*old)+1)
		next = append(next, *old...)
		next = append(next, position)
		if p.spies.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveSpy unregisters position.
func (p *NetworkPublication) RemoveSpy(position *atomic.Int64) {
	for {
		old := p.spies.Load()
		next := make([]*atomic.Int64, 0, len(*old))
		for _, s := range *old {
			if s != position {
				next = append(next, s)
			}
		}
		if p.spies.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (p *NetworkPublication) spyPositions() (int64, int) {
	spies := *p.spies.Load()
	if len(spies) == 0 {
		return 0, 0
	}
	minPosition := spies[0].Load()
	for _, s := range spies[1:] {
		minPosition = min(minPosition, s.Load())
	}
	return minPosition, len(spies)
}

func (p *NetworkPublication) spiesDrained() bool {
	spyMin, n := p.spyPositions()
	return n == 0 || spyMin >= p.log.Position()
}

// UpdatePublisherLimit recomputes the position offers may reach from the slowest
// consumer, cleaning the term the limit is about to reuse. When disconnected the
// limit is pulled back to the sender position so offers stop. It returns 1 when the
// limit moved.
func (p *NetworkPublication) UpdatePublisherLimit() int {
	senderPosition := p.senderPosition.Load()
	if !p.connected.Load() {
		if p.publisherLimit.Load() > senderPosition {
			p.publisherLimit.Store(senderPosition)
			return 1
		}
		return 0
	}

	minConsumer := senderPosition
	if spyMin, n := p.spyPositions(); n > 0 {
		minConsumer = min(minConsumer, spyMin)
	}
	p.cleanBuffer(minConsumer)

	proposed := minConsumer + p.window
	if proposed > p.publisherLimit.Load() {
		p.publisherLimit.Store(proposed)
		return 1
	}
	return 0
}

// cleanBuffer zeroes the log up to a term behind minConsumer, so a term is clean
// before writers wrap into it and no retransmit can still read it.
func (p *NetworkPublication) cleanBuffer(minConsumer int64) {
	target := minConsumer - int64(p.termLen)
	for p.cleanPosition < target {
		n := p.log.Clean(p.cleanPosition, int(target-p.cleanPosition))
		if n == 0 {
			break
		}
		p.cleanPosition += int64(n)
	}
}

// OnTimer advances the connection state machine.
func (p *NetworkPublication) OnTimer(now time.Time) liveness.State {
	connected := p.connected.Load()
	switch state := p.state.State(); state {
	case liveness.Linger:
		if p.state.TimeInState(now) >= p.cfg.Linger {
			p.state.Transition(liveness.Closed, now)
		}
	case liveness.Closed:
	default:
		if p.closing.Load() {
			if p.closeTime.IsZero() {
				p.closeTime = now
			}
			sent := !connected || p.senderPosition.Load() >= p.log.Position()
			if sent && (p.spiesDrained() || now.Sub(p.closeTime) >= p.cfg.DrainTimeout) {
				p.state.Transition(liveness.Linger, now)
			}
			break
		}
		switch {
		case connected && p.simulating.Load():
			p.state.Transition(liveness.Simulated, now)
		case connected:
			p.state.Transition(liveness.Connected, now)
		case state == liveness.Connected || state == liveness.Simulated:
			p.state.Transition(liveness.Disconnected, now)
		}
	}
	return p.state.State()
}

// Send is the sender duty cycle for this publication. It returns the bytes sent.
func (p *NetworkPublication) Send(now time.Time) int {
	senderPosition := p.senderPosition.Load()
	termOffset := logbuffer.ComputeTermOffset(senderPosition, p.termLen)
	activeTermID := logbuffer.ComputeTermID(senderPosition, p.shift, p.cfg.InitialTermID)

	if p.shouldSendSetup {
		p.setupCheck(now, activeTermID, termOffset)
	}

	bytesSent := p.sendData(now, senderPosition, termOffset)
	if bytesSent == 0 {
		bytesSent = p.heartbeatCheck(now, senderPosition, activeTermID, termOffset)
	}

	p.senderLimit = p.flowControl.OnIdle(now, p.senderLimit)
	p.connected.Store(p.flowControl.HasRequiredReceivers())
	p.simulating.Store(p.flowControl.Simulating())
	p.retransmits.ProcessTimeouts(now, p.resend)
	return bytesSent
}

func (p *NetworkPublication) sendData(now time.Time, senderPosition int64, termOffset int32) int {
	available := p.senderLimit - senderPosition
	if available <= 0 {
		return 0
	}
	term := p.log.Term(logbuffer.IndexByPosition(senderPosition, p.shift))
	scanLimit := int(min(available, int64(p.cfg.MTU)))
	length, padding := logbuffer.ScanForAvailability(term, int(termOffset), scanLimit)
	if length == 0 {
		return 0
	}

	offset := int(termOffset)
	p.transmit(term[offset : offset+length])
	p.deps.Counters.DataFramesSent.Inc()
	p.lastSendTime = now
	p.senderPosition.Store(senderPosition + int64(length+padding))
	return length
}

func (p *NetworkPublication) transmit(b []byte) {
	n, err := p.deps.Transport.Send(b, p.deps.Destination)
	if err != nil || n < len(b) {
		p.deps.Counters.ShortSends.Inc()
		if err != nil {
			p.deps.Logger.Debug("Send failed", "bytes", len(b), "error", err)
		}
		return
	}
	p.deps.Counters.BytesSent.Add(int64(n))
}

// heartbeatCheck sends a zero length data frame at the sender position after a quiet
// heartbeat interval. Once closed and fully sent the heartbeat carries end of stream.
func (p *NetworkPublication) heartbeatCheck(now time.Time, senderPosition int64, termID, termOffset int32) int {
	if now.Sub(p.lastSendTime) < p.cfg.HeartbeatInterval {
		return 0
	}
	h := p.hdrProto
	h.Flags = protocol.FlagsUnfragmented
	h.TermID = termID
	h.TermOffset = termOffset
	if p.closing.Load() && senderPosition >= p.log.Position() {
		h.Flags |= protocol.FlagEOS
		if !p.eosSent {
			p.eosSent = true
			p.deps.Logger.Debug("End of stream", "position", senderPosition)
		}
	}
	buf := p.scratch[:protocol.DataHeaderLength]
	h.Encode(buf)
	p.transmit(buf)
	p.deps.Counters.HeartbeatsSent.Inc()
	p.lastSendTime = now
	return protocol.DataHeaderLength
}

func (p *NetworkPublication) setupCheck(now time.Time, activeTermID, termOffset int32) {
	if !p.lastSetupTime.IsZero() && now.Sub(p.lastSetupTime) < p.cfg.SetupInterval {
		return
	}
	s := protocol.Setup{
		TermOffset:    termOffset,
		SessionID:     p.cfg.SessionID,
		StreamID:      p.cfg.StreamID,
		InitialTermID: p.cfg.InitialTermID,
		ActiveTermID:  activeTermID,
		TermLength:    int32(p.termLen),
		MTU:           int32(p.cfg.MTU),
		TTL:           int32(p.cfg.TTL),
	}
	n := s.Encode(p.scratch[:])
	p.transmit(p.scratch[:n])
	p.deps.Counters.SetupsSent.Inc()
	p.lastSetupTime = now
}

// OnStatusMessage applies a receiver's Status Message. A send-setup request restarts
// Setup transmission instead.
func (p *NetworkPublication) OnStatusMessage(sm *protocol.StatusMessage, now time.Time) {
	p.deps.Counters.StatusMessagesReceived.Inc()
	if sm.SendSetup() {
		p.shouldSendSetup = true
		p.lastSetupTime = time.Time{}
		return
	}
	p.shouldSendSetup = false
	p.senderLimit = p.flowControl.OnStatusMessage(sm, p.senderLimit, now)
	p.connected.Store(p.flowControl.HasRequiredReceivers())
	p.simulating.Store(p.flowControl.Simulating())
}

// OnNak schedules a retransmit when the requested range is still retained. Requests
// for data older than the retransmit window or not yet sent are stale.
func (p *NetworkPublication) OnNak(nak *protocol.Nak, now time.Time) bool {
	p.deps.Counters.NaksReceived.Inc()
	position := logbuffer.ComputePosition(nak.TermID, nak.TermOffset, p.shift, p.cfg.InitialTermID)
	senderPosition := p.senderPosition.Load()
	if !p.inRetransmitWindow(position, senderPosition) {
		p.deps.Counters.StaleRetransmits.Inc()
		return false
	}
	length := int32(min(int64(nak.Length), senderPosition-position))
	return p.retransmits.OnNak(nak.TermID, nak.TermOffset, length, p.termLen, now, p.resend)
}

func (p *NetworkPublication) inRetransmitWindow(position, senderPosition int64) bool {
	return position >= senderPosition-p.window-int64(p.maxMsg) && position < senderPosition && position >= 0
}

// Resend sends the frames covering length bytes at termOffset of termID again,
// exactly as they sit in the log. Frames from another generation of the term are not
// sent.
func (p *NetworkPublication) Resend(termID, termOffset, length int32) {
	p.resend(termID, termOffset, length)
}

func (p *NetworkPublication) resend(termID, termOffset, length int32) {
	position := logbuffer.ComputePosition(termID, termOffset, p.shift, p.cfg.InitialTermID)
	if !p.inRetransmitWindow(position, p.senderPosition.Load()) {
		p.deps.Counters.StaleRetransmits.Inc()
		return
	}
	term := p.log.Term(logbuffer.IndexByTerm(p.cfg.InitialTermID, termID))
	offset := int(termOffset)
	end := min(offset+int(length), p.termLen)
	for offset < end {
		f, ok := logbuffer.Scan(term, offset, termID)
		if !ok {
			break
		}
		scanLimit := min(p.cfg.MTU, max(end-offset, f.AlignedLength))
		n, padding := logbuffer.ScanForAvailability(term, offset, scanLimit)
		if n == 0 {
			break
		}
		p.transmit(term[offset : offset+n])
		p.deps.Counters.Retransmits.Inc()
		p.deps.Counters.RetransmittedBytes.Add(int64(n))
		offset += n + padding
	}
}

// String describes the publication for logs.
func (p *NetworkPublication) String() string {
	return fmt.Sprintf("publication{session=%d stream=%d state=%s position=%d sender=%d limit=%d}",
		p.cfg.SessionID, p.cfg.StreamID, p.state.State(), p.log.Position(),
		p.senderPosition.Load(), p.publisherLimit.Load())
}
