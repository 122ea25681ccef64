package publication

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/pkg/retry"
	"github.com/c360/semwire/protocol"
)

// Publication is the handle applications offer messages through. Offer and TryClaim
// may be called from several goroutines.
type Publication struct {
	np             *NetworkPublication
	log            *logbuffer.Log
	registrationID string
	channel        string
	maxPossible    int64
	closed         atomic.Bool
	onClose        func(*Publication)
}

// NewPublication wraps np. onClose is called once by Close.
func NewPublication(np *NetworkPublication, registrationID, channel string, onClose func(*Publication)) *Publication {
	return &Publication{
		np:             np,
		log:            np.log,
		registrationID: registrationID,
		channel:        channel,
		maxPossible:    int64(np.termLen) * (1 << 31),
		onClose:        onClose,
	}
}

// RegistrationID identifies the publication within its driver.
func (p *Publication) RegistrationID() string { return p.registrationID }

// Channel returns the channel designation the publication was added with.
func (p *Publication) Channel() string { return p.channel }

func (p *Publication) SessionID() int32 { return p.np.cfg.SessionID }
func (p *Publication) StreamID() int32  { return p.np.cfg.StreamID }

// MaxMessageLength is the longest message Offer accepts.
func (p *Publication) MaxMessageLength() int { return p.np.maxMsg }

// MaxPayloadLength is the longest message sent as a single frame, and the longest
// TryClaim accepts.
func (p *Publication) MaxPayloadLength() int { return p.np.maxPay }

// IsConnected reports whether a receiver, real or simulated, is consuming.
func (p *Publication) IsConnected() bool {
	return !p.closed.Load() && p.np.IsConnected()
}

// IsClosed reports whether Close was called.
func (p *Publication) IsClosed() bool { return p.closed.Load() }

// Position returns the position the next message will be written at.
func (p *Publication) Position() int64 {
	if p.closed.Load() {
		return 0
	}
	return p.log.Position()
}

// PositionLimit returns the position offers may currently reach.
func (p *Publication) PositionLimit() int64 { return p.np.PublisherLimit() }

// Close stops the publication. Messages already offered are still sent.
func (p *Publication) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.onClose != nil {
		p.onClose(p)
	} else {
		p.np.Close()
	}
	return nil
}

// Offer appends payload and returns the position after it. It fails with
// ErrBackPressured when the limit leaves no room, ErrNotConnected when nothing is
// consuming, and ErrAdminAction when the log rotated to a new term and the offer
// should be retried.
func (p *Publication) Offer(payload []byte) (int64, error) {
	if p.closed.Load() {
		return 0, errors.ErrClosed
	}
	if len(payload) > p.np.maxMsg {
		return 0, errors.WrapInvalid(errors.ErrMessageTooLong, "publication", "Offer",
			fmt.Sprintf("length %d exceeds %d", len(payload), p.np.maxMsg))
	}

	termCount, index, termID, position, err := p.prepare(requiredLength(len(payload), p.np.maxPay))
	if err != nil {
		return position, err
	}

	var claimTermID, resultingOffset int32
	if len(payload) <= p.np.maxPay {
		claimTermID, resultingOffset = p.log.AppendUnfragmented(index, payload, nil)
	} else {
		claimTermID, resultingOffset = p.log.AppendFragmented(index, payload, p.np.maxPay, nil)
	}
	return p.newPosition(termCount, termID, claimTermID, position, resultingOffset)
}

// TryClaim reserves a single frame of length bytes for zero-copy writing. The caller
// fills claim.Payload and must Commit or Abort.
func (p *Publication) TryClaim(length int, claim *logbuffer.BufferClaim) (int64, error) {
	if p.closed.Load() {
		return 0, errors.ErrClosed
	}
	if length < 0 || length > p.np.maxPay {
		return 0, errors.WrapInvalid(errors.ErrMessageTooLong, "publication", "TryClaim",
			fmt.Sprintf("length %d exceeds %d", length, p.np.maxPay))
	}

	termCount, index, termID, position, err := p.prepare(
		protocol.Align(length+protocol.DataHeaderLength, protocol.FrameAlignment))
	if err != nil {
		return position, err
	}
	claimTermID, resultingOffset := p.log.Claim(index, length, claim)
	return p.newPosition(termCount, termID, claimTermID, position, resultingOffset)
}

// OfferContext offers payload, retrying with backoff while the outcome is transient
// (back pressure, no connection, term rotation), until ctx ends.
func (p *Publication) OfferContext(ctx context.Context, payload []byte) (int64, error) {
	return retry.DoWithResult(ctx, retry.Offer(errors.IsTransient), func() (int64, error) {
		return p.Offer(payload)
	})
}

// prepare reads the active term and checks the limit for a message of required bytes.
func (p *Publication) prepare(required int) (termCount int32, index int, termID int32, position int64, err error) {
	limit := p.np.publisherLimit.Load()
	termCount = p.log.ActiveTermCount()
	index = logbuffer.IndexByTermCount(termCount)
	rawTail := p.log.RawTail(index)
	termID = logbuffer.TermIDFromTail(rawTail)
	termOffset := logbuffer.TermOffsetFromTail(rawTail, p.np.termLen)

	if termCount != termID-p.log.InitialTermID() {
		return termCount, index, termID, 0, errors.ErrAdminAction
	}
	position = logbuffer.ComputeTermBeginPosition(termID, p.np.shift, p.log.InitialTermID()) + int64(termOffset)
	if position+int64(required) > p.maxPossible {
		return termCount, index, termID, position, errors.ErrMaxPositionExceeded
	}
	if limit-position < int64(required) {
		if !p.np.IsConnected() {
			return termCount, index, termID, position, errors.ErrNotConnected
		}
		p.np.deps.Counters.BackPressureEvents.Inc()
		return termCount, index, termID, position, errors.ErrBackPressured
	}
	return termCount, index, termID, position, nil
}

func (p *Publication) newPosition(termCount, termID, claimTermID int32, position int64, resultingOffset int32) (int64, error) {
	if resultingOffset == logbuffer.AppendTripped {
		p.log.Rotate(termCount, termID)
		return position, errors.ErrAdminAction
	}
	return logbuffer.ComputeTermBeginPosition(claimTermID, p.np.shift, p.log.InitialTermID()) + int64(resultingOffset), nil
}

// requiredLength is the log space a message of length bytes occupies.
func requiredLength(length, maxPayload int) int {
	if length <= maxPayload {
		return protocol.Align(length+protocol.DataHeaderLength, protocol.FrameAlignment)
	}
	full := length / maxPayload
	remaining := length % maxPayload
	required := full * (maxPayload + protocol.DataHeaderLength)
	if remaining > 0 {
		required += protocol.Align(remaining+protocol.DataHeaderLength, protocol.FrameAlignment)
	}
	return required
}
