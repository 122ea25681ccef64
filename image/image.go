package image

import (
	"fmt"
	"sync/atomic"

	"github.com/c360/semwire/logbuffer"
)

// Poller delivers committed fragments to a handler.
type Poller interface {
	Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int
}

// Image is one subscriber's view of a session. Each Image has its own position; the
// log it reads is shared with the receiver or, for spies, with the publication.
type Image struct {
	log            *logbuffer.Log
	position       *atomic.Int64
	joinPosition   int64
	sessionID      int32
	streamID       int32
	shift          uint
	termLen        int
	sourceIdentity string
	closed         atomic.Bool

	limit     func() int64
	connected func() bool
	eos       func(position int64) bool
	release   func(position *atomic.Int64)
}

// NewImage attaches a subscriber to a network image at its rebuild position.
func NewImage(pi *PublicationImage) *Image {
	position := new(atomic.Int64)
	pi.AddSubscriber(position)
	log := pi.Log()
	return &Image{
		log:            log,
		position:       position,
		joinPosition:   position.Load(),
		sessionID:      pi.SessionID(),
		streamID:       pi.StreamID(),
		shift:          log.PositionBitsToShift(),
		termLen:        log.TermLength(),
		sourceIdentity: pi.Source().String(),
		limit:          pi.RebuildPosition,
		connected:      pi.IsConnected,
		eos: func(position int64) bool {
			return pi.IsEndOfStream() && position >= pi.RebuildPosition()
		},
		release: func(position *atomic.Int64) { pi.RemoveSubscriber(position) },
	}
}

// SpySource is a local publication a spy can read.
type SpySource interface {
	Log() *logbuffer.Log
	SenderPosition() int64
	IsConnected() bool
	IsClosed() bool
	AddSpy(position *atomic.Int64)
	RemoveSpy(position *atomic.Int64)
}

// NewSpyImage attaches a spy to a local publication at its sender position. The spy's
// position takes part in the publication's flow control until the image is closed.
func NewSpyImage(src SpySource) *Image {
	position := new(atomic.Int64)
	position.Store(src.SenderPosition())
	src.AddSpy(position)
	log := src.Log()
	return &Image{
		log:            log,
		position:       position,
		joinPosition:   position.Load(),
		sessionID:      log.SessionID(),
		streamID:       log.StreamID(),
		shift:          log.PositionBitsToShift(),
		termLen:        log.TermLength(),
		sourceIdentity: "spy",
		limit:          log.Position,
		connected:      src.IsConnected,
		eos: func(position int64) bool {
			return src.IsClosed() && position >= log.Position()
		},
		release: src.RemoveSpy,
	}
}

func (i *Image) SessionID() int32 { return i.sessionID }
func (i *Image) StreamID() int32  { return i.streamID }

// SourceIdentity is the sender's address, or "spy" for a local mirror.
func (i *Image) SourceIdentity() string { return i.sourceIdentity }

// JoinPosition is the position the subscriber started consuming from.
func (i *Image) JoinPosition() int64 { return i.joinPosition }

// Position is the position of the next fragment Poll will deliver.
func (i *Image) Position() int64 { return i.position.Load() }

// IsConnected reports whether the source is currently sending.
func (i *Image) IsConnected() bool { return !i.closed.Load() && i.connected() }

// IsEndOfStream reports whether the source ended its stream and everything it sent
// has been consumed.
func (i *Image) IsEndOfStream() bool { return i.eos(i.position.Load()) }

// IsClosed reports whether the image was closed.
func (i *Image) IsClosed() bool { return i.closed.Load() }

// Poll delivers up to fragmentLimit contiguous fragments from the current term and
// returns how many it delivered. It never reads past a gap.
func (i *Image) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int {
	if i.closed.Load() || fragmentLimit <= 0 {
		return 0
	}
	position := i.position.Load()
	limit := i.limit()
	if position >= limit {
		return 0
	}

	termOffset := int(logbuffer.ComputeTermOffset(position, i.termLen))
	termBegin := position - int64(termOffset)
	termID := logbuffer.ComputeTermID(position, i.shift, i.log.InitialTermID())
	term := i.log.Term(logbuffer.IndexByPosition(position, i.shift))
	limitOffset := int(min(limit-termBegin, int64(i.termLen)))

	fragments, offset := logbuffer.Read(term, termOffset, limitOffset, termID, termBegin, fragmentLimit, handler)
	if newPosition := termBegin + int64(offset); newPosition > position {
		i.position.Store(newPosition)
	}
	return fragments
}

// Close detaches the image from its source.
func (i *Image) Close() {
	if i.closed.CompareAndSwap(false, true) {
		i.release(i.position)
	}
}

func (i *Image) String() string {
	return fmt.Sprintf("Image{session=%d stream=%d source=%s position=%d}",
		i.sessionID, i.streamID, i.sourceIdentity, i.position.Load())
}
