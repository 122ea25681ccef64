// Package image implements the receive path: the PublicationImage a receiver
// rebuilds from the network for one publisher session, the per-subscription Image
// views over it, SpyImages that read a local publication directly, and the
// Subscription that polls them.
package image

import (
	"log/slog"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/liveness"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
	"github.com/c360/semwire/protocol"
)

// Config parameterizes a PublicationImage.
type Config struct {
	// MaxWindow caps the receiver window advertised in Status Messages. It is
	// further capped at half a term.
	MaxWindow            int
	StatusMessageTimeout time.Duration
	NakDelay             time.Duration
	NakRetryTimeout      time.Duration
	LivenessTimeout      time.Duration
	Linger               time.Duration
	ReceiverID           int64
}

// Deps are the image's collaborators.
type Deps struct {
	// Transport sends Status Messages and Naks to Control.
	Transport media.Transport
	Control   *net.UDPAddr
	Counters  *metric.SystemCounters
	Logger    *slog.Logger
}

// PublicationImage is the receiver side of one publisher session. InsertPacket,
// TrackRebuild, ProcessPendingLoss and SendPendingStatusMessage run on the receiver
// duty cycle; OnTimer on the conductor; subscribers poll concurrently through Image.
type PublicationImage struct {
	cfg           Config
	deps          Deps
	log           *logbuffer.Log
	source        *net.UDPAddr
	sessionID     int32
	streamID      int32
	initialTermID int32
	shift         uint
	termLen       int
	termWindow    int64
	maxWindow     int32
	joinPosition  int64

	rebuildPosition atomic.Int64
	hwmPosition     atomic.Int64
	eosPosition     atomic.Int64
	subscribers     atomic.Pointer[[]*atomic.Int64]
	state           *liveness.Tracker

	// receiver duty cycle
	loss           *LossDetector
	lastSMTime     time.Time
	lastSMPosition int64
	lastSMWindow   int32
	cleanPosition  int64
	scratch        [protocol.StatusMessageLength]byte
}

// New creates an image from the Setup frame that announced the session.
func New(cfg Config, setup protocol.Setup, source *net.UDPAddr, deps Deps, now time.Time) (*PublicationImage, error) {
	if deps.Transport == nil || deps.Control == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "image", "New", "transport and control address")
	}
	if deps.Counters == nil {
		deps.Counters = metric.NewSystemCounters()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "image",
		"session_id", setup.SessionID, "stream_id", setup.StreamID)

	log, err := logbuffer.NewLog(int(setup.TermLength), setup.InitialTermID, setup.SessionID, setup.StreamID, int(setup.MTU))
	if err != nil {
		return nil, errors.Wrap(err, "image", "New", "log allocation")
	}
	log.SetActiveTerm(setup.ActiveTermID, setup.TermOffset)

	termLen := int(setup.TermLength)
	termWindow := int64(logbuffer.TermWindowLength(termLen))
	maxWindow := termWindow
	if cfg.MaxWindow > 0 {
		maxWindow = min(maxWindow, int64(cfg.MaxWindow))
	}

	p := &PublicationImage{
		cfg:           cfg,
		deps:          deps,
		log:           log,
		source:        source,
		sessionID:     setup.SessionID,
		streamID:      setup.StreamID,
		initialTermID: setup.InitialTermID,
		shift:         log.PositionBitsToShift(),
		termLen:       termLen,
		termWindow:    termWindow,
		maxWindow:     int32(maxWindow),
		loss:          NewLossDetector(cfg.NakDelay, cfg.NakRetryTimeout),
	}
	p.joinPosition = logbuffer.ComputePosition(setup.ActiveTermID, setup.TermOffset, p.shift, p.initialTermID)
	p.rebuildPosition.Store(p.joinPosition)
	p.hwmPosition.Store(p.joinPosition)
	p.eosPosition.Store(math.MaxInt64)
	p.lastSMPosition = p.joinPosition
	p.lastSMWindow = p.maxWindow
	p.cleanPosition = p.joinPosition - int64(setup.TermOffset)
	empty := make([]*atomic.Int64, 0)
	p.subscribers.Store(&empty)

	p.state = liveness.NewTracker(liveness.Timeouts{Inactivity: cfg.LivenessTimeout, Linger: cfg.Linger}, now,
		func(from, to liveness.State) {
			deps.Logger.Debug("Image state changed", "from", from.String(), "to", to.String())
		})
	return p, nil
}

func (p *PublicationImage) SessionID() int32 { return p.sessionID }
func (p *PublicationImage) StreamID() int32 { return p.streamID }
func (p *PublicationImage) Source() *net.UDPAddr { return p.source }
func (p *PublicationImage) Log() *logbuffer.Log { return p.log }
func (p *PublicationImage) JoinPosition() int64 { return p.joinPosition }
func (p *PublicationImage) RebuildPosition() int64 { return p.rebuildPosition.Load() }
func (p *PublicationImage) HighWaterMark() int64 { return p.hwmPosition.Load() }
func (p *PublicationImage) State() liveness.State { return p.state.State() }
func (p *PublicationImage) LossState() GapState { return p.loss.State() }
func (p *PublicationImage) IsConnected() bool { return p.state.State() == liveness.Connected }
func (p *PublicationImage) IsEndOfStream() bool { return p.rebuildPosition.Load() >= p.eosPosition.Load() }
func (p *PublicationImage) lingering() bool { return p.state.State() >= liveness.Linger }
func (p *PublicationImage) subscriberList() []*atomic.Int64 { return *p.subscribers.Load() }

// AddSubscriber registers a subscriber position starting at the rebuild position.
func (p *PublicationImage) AddSubscriber(position *atomic.Int64) {
	position.Store(p.rebuildPosition.Load())
	for {
		old := p.subscribers.Load()
		next := make([]*atomic.Int64, 0, len(*old)+1)
		next = append(next, *old...)
		next = append(next, position)
		if p.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveSubscriber unregisters position and returns how many subscribers remain.
func (p *PublicationImage) RemoveSubscriber(position *atomic.Int64) int {
	for {
		old := p.subscribers.Load()
		next := make([]*atomic.Int64, 0, len(*old))
		for _, s := range *old {
			if s != position {
				next = append(next, s)
			}
		}
		if p.subscribers.CompareAndSwap(old, &next) {
			return len(next)
		}
	}
}

// consumedPosition is the slowest subscriber's position, or the rebuild position
// when there are none.
func (p *PublicationImage) consumedPosition() int64 {
	subs := p.subscriberList()
	consumed := p.rebuildPosition.Load()
	for _, s := range subs {
		consumed = min(consumed, s.Load())
	}
	return consumed
}

// InsertPacket stores a data, pad or heartbeat frame. frame holds the bytes as they
// arrived. Frames behind the last Status Message or beyond its window are dropped
// and counted. It returns the bytes inserted.
func (p *PublicationImage) InsertPacket(h *protocol.DataHeader, frame []byte, now time.Time) int {
	if p.lingering() {
		return 0
	}

	packetPosition := logbuffer.ComputePosition(h.TermID, h.TermOffset, p.shift, p.initialTermID)
	isHeartbeat := h.IsHeartbeat()
	proposedPosition := packetPosition
	switch {
	case isHeartbeat:
	case h.Type == protocol.TypePad:
		// Only the pad header travels; rebuild skips the rest by its frame length.
		proposedPosition += int64(len(frame))
	default:
		proposedPosition += int64(protocol.Align(int(h.FrameLength), protocol.FrameAlignment))
	}

	if packetPosition < p.lastSMPosition && !isHeartbeat {
		p.deps.Counters.FlowControlUnderRuns.Inc()
		return 0
	}
	if proposedPosition > p.lastSMPosition+int64(p.lastSMWindow) {
		p.deps.Counters.FlowControlOverRuns.Inc()
		return 0
	}

	if isHeartbeat {
		p.deps.Counters.HeartbeatsReceived.Inc()
		if h.IsEndOfStream() && packetPosition < p.eosPosition.Load() {
			p.eosPosition.Store(packetPosition)
			p.deps.Logger.Debug("End of stream", "position", packetPosition)
		}
	} else {
		term := p.log.Term(logbuffer.IndexByTerm(p.initialTermID, h.TermID))
		if !logbuffer.Insert(term, int(h.TermOffset), frame) {
			p.state.OnActivity(now)
			return 0
		}
		p.deps.Counters.DataFramesReceived.Inc()
	}

	if proposedPosition > p.hwmPosition.Load() {
		p.hwmPosition.Store(proposedPosition)
	}
	p.state.OnActivity(now)
	return len(frame)
}

// OnSetup records a repeated Setup as activity.
func (p *PublicationImage) OnSetup(now time.Time) {
	if !p.lingering() {
		p.state.OnActivity(now)
	}
}

// TrackRebuild advances the rebuild position over contiguous frames, feeds the
// first gap to the loss detector and cleans the log behind the subscribers. It
// returns the bytes the rebuild position advanced.
func (p *PublicationImage) TrackRebuild(now time.Time) int {
	rebuild := p.rebuildPosition.Load()
	hwm := p.hwmPosition.Load()

	termOffset := int(logbuffer.ComputeTermOffset(rebuild, p.termLen))
	termBegin := rebuild - int64(termOffset)
	termID := logbuffer.ComputeTermID(rebuild, p.shift, p.initialTermID)
	term := p.log.Term(logbuffer.IndexByPosition(rebuild, p.shift))
	limitOffset := int(min(max(hwm-termBegin, int64(termOffset)), int64(p.termLen)))

	newOffset, gapLength := logbuffer.ScanForGap(term, termID, termOffset, limitOffset)
	newRebuild := termBegin + int64(newOffset)
	if newRebuild > rebuild {
		p.rebuildPosition.Store(newRebuild)
	}
	p.loss.Scan(termID, int32(newOffset), int32(gapLength), now)

	p.clean(p.consumedPosition())
	return int(newRebuild - rebuild)
}

func (p *PublicationImage) clean(consumed int64) {
	target := consumed - int64(p.termLen)
	for p.cleanPosition < target {
		n := p.log.Clean(p.cleanPosition, int(target-p.cleanPosition))
		if n == 0 {
			break
		}
		p.cleanPosition += int64(n)
	}
}

// ProcessPendingLoss sends the Nak the loss detector has due. It returns 1 when a
// Nak was sent.
func (p *PublicationImage) ProcessPendingLoss() int {
	gap, ok := p.loss.TakePending()
	if !ok {
		return 0
	}
	nak := protocol.Nak{
		SessionID:  p.sessionID,
		StreamID:   p.streamID,
		TermID:     gap.TermID,
		TermOffset: gap.TermOffset,
		Length:     gap.Length,
	}
	n := nak.Encode(p.scratch[:])
	p.send(p.scratch[:n])
	p.deps.Counters.NaksSent.Inc()
	return 1
}

// SendPendingStatusMessage reports the rebuild position and receiver window when
// the Status Message timeout has passed, or sooner once the limit it reports has
// moved a quarter window. The window shrinks as the slowest subscriber falls behind
// so the sender never laps the image. It returns 1 when a message was sent.
func (p *PublicationImage) SendPendingStatusMessage(now time.Time) int {
	if state := p.state.State(); state != liveness.Pending && state != liveness.Connected {
		return 0
	}
	rebuild := p.rebuildPosition.Load()
	window := int32(min(int64(p.maxWindow), p.termWindow-(rebuild-p.consumedPosition())))
	window = max(window, 0)

	limit := rebuild + int64(window)
	lastLimit := p.lastSMPosition + int64(p.lastSMWindow)
	due := p.lastSMTime.IsZero() ||
		now.Sub(p.lastSMTime) >= p.cfg.StatusMessageTimeout ||
		limit-lastLimit >= int64(p.maxWindow/4)
	if !due {
		return 0
	}

	sm := protocol.StatusMessage{
		SessionID:             p.sessionID,
		StreamID:              p.streamID,
		ConsumptionTermID:     logbuffer.ComputeTermID(rebuild, p.shift, p.initialTermID),
		ConsumptionTermOffset: logbuffer.ComputeTermOffset(rebuild, p.termLen),
		ReceiverWindow:        window,
		ReceiverID:            p.cfg.ReceiverID,
	}
	n := sm.Encode(p.scratch[:])
	p.send(p.scratch[:n])
	p.deps.Counters.StatusMessagesSent.Inc()
	p.lastSMTime = now
	p.lastSMPosition = rebuild
	p.lastSMWindow = window
	return 1
}

func (p *PublicationImage) send(b []byte) {
	n, err := p.deps.Transport.Send(b, p.deps.Control)
	if err != nil || n < len(b) {
		p.deps.Counters.ShortSends.Inc()
		return
	}
	p.deps.Counters.BytesSent.Add(int64(n))
}

// OnTimer advances the connection state: Connected on the first activity after
// creation, Disconnected after the liveness timeout or once end of stream has been
// rebuilt, Linger once subscribers have drained, and Closed after the linger.
func (p *PublicationImage) OnTimer(now time.Time) liveness.State {
	switch p.state.State() {
	case liveness.Pending, liveness.Connected:
		if p.IsEndOfStream() {
			p.state.Transition(liveness.Disconnected, now)
		} else if !p.state.Inactive(now) {
			p.state.Transition(liveness.Connected, now)
		}
	}
	return p.state.Check(now, p.drained(), true)
}

func (p *PublicationImage) drained() bool {
	rebuild := p.rebuildPosition.Load()
	for _, s := range p.subscriberList() {
		if s.Load() < rebuild {
			return false
		}
	}
	return true
}

// Close disconnects the image. It lingers once subscribers have drained.
func (p *PublicationImage) Close(now time.Time) {
	p.state.Transition(liveness.Disconnected, now)
}
