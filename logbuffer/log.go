// Package logbuffer implements the rotating term buffers that hold a stream's frames.
//
// A Log is three terms reused round-robin. Writers reserve space by atomically adding
// to the active term's raw tail, fill the frame, and commit it by storing the frame
// length last. Readers discover frames by loading the length with acquire semantics
// and treat a non-positive length as "not yet written". Frames never span a term; a
// claim that does not fit is turned into a padding frame and the writer rotates.
package logbuffer

import (
	"fmt"
	"sync/atomic"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/protocol"
)

// Log is the three-term buffer for one stream-session.
type Log struct {
	buffer          []byte
	terms           [PartitionCount][]byte
	tails           [PartitionCount]atomic.Int64
	activeTermCount atomic.Int32

	termLength    int
	shift         uint
	initialTermID int32
	sessionID     int32
	streamID      int32
	mtu           int
}

// NewLog allocates a log. Tails are initialized so the first rotation into each
// partition finds the term id it expects.
func NewLog(termLength int, initialTermID, sessionID, streamID int32, mtu int) (*Log, error) {
	if err := CheckTermLength(termLength); err != nil {
		return nil, err
	}
	if mtu < protocol.DataHeaderLength+protocol.FrameAlignment || mtu%protocol.FrameAlignment != 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "logbuffer", "NewLog",
			fmt.Sprintf("mtu %d must be a multiple of %d", mtu, protocol.FrameAlignment))
	}

	l := &Log{
		buffer:        make([]byte, termLength*PartitionCount),
		termLength:    termLength,
		shift:         PositionBitsToShift(termLength),
		initialTermID: initialTermID,
		sessionID:     sessionID,
		streamID:      streamID,
		mtu:           mtu,
	}
	for i := 0; i < PartitionCount; i++ {
		l.terms[i] = l.buffer[i*termLength : (i+1)*termLength : (i+1)*termLength]
	}
	l.tails[0].Store(PackTail(initialTermID, 0))
	for i := 1; i < PartitionCount; i++ {
		l.tails[i].Store(PackTail(initialTermID+int32(i)-PartitionCount, 0))
	}
	return l, nil
}

// SetActiveTerm positions the log at termID/termOffset. Receivers use it to join a
// stream part way through.
func (l *Log) SetActiveTerm(termID, termOffset int32) {
	termCount := termID - l.initialTermID
	index := IndexByTermCount(termCount)
	l.tails[index].Store(PackTail(termID, termOffset))
	for i := 1; i < PartitionCount; i++ {
		next := IndexByTermCount(termCount + int32(i))
		l.tails[next].Store(PackTail(termID+int32(i)-PartitionCount, 0))
	}
	l.activeTermCount.Store(termCount)
}

// Term returns the term buffer at partition index.
func (l *Log) Term(index int) []byte { return l.terms[index] }

// TermLength returns the capacity of each term.
func (l *Log) TermLength() int { return l.termLength }

// PositionBitsToShift returns log2 of the term length.
func (l *Log) PositionBitsToShift() uint { return l.shift }

// InitialTermID returns the term id at position zero.
func (l *Log) InitialTermID() int32 { return l.initialTermID }

// SessionID returns the session the log belongs to.
func (l *Log) SessionID() int32 { return l.sessionID }

// StreamID returns the stream the log belongs to.
func (l *Log) StreamID() int32 { return l.streamID }

// MTU returns the maximum datagram length frames are sized for.
func (l *Log) MTU() int { return l.mtu }

// ActiveTermCount returns the number of completed rotations.
func (l *Log) ActiveTermCount() int32 { return l.activeTermCount.Load() }

// RawTail returns the raw tail of partition index.
func (l *Log) RawTail(index int) int64 { return l.tails[index].Load() }

// TermAt returns the term holding position and the offset of position within it.
func (l *Log) TermAt(position int64) ([]byte, int) {
	return l.terms[IndexByPosition(position, l.shift)], int(ComputeTermOffset(position, l.termLength))
}

// Position returns the current producer position.
func (l *Log) Position() int64 {
	termCount := l.activeTermCount.Load()
	rawTail := l.tails[IndexByTermCount(termCount)].Load()
	termOffset := TermOffsetFromTail(rawTail, l.termLength)
	return ComputePosition(TermIDFromTail(rawTail), termOffset, l.shift, l.initialTermID)
}

// Rotate moves the active term from termID to termID+1. It is safe to call from
// several writers that tripped the same term; only one succeeds.
func (l *Log) Rotate(termCount, termID int32) bool {
	nextTermID := termID + 1
	nextTermCount := termCount + 1
	nextIndex := IndexByTermCount(nextTermCount)
	expectedTermID := nextTermID - PartitionCount

	for {
		rawTail := l.tails[nextIndex].Load()
		if TermIDFromTail(rawTail) != expectedTermID {
			break
		}
		if l.tails[nextIndex].CompareAndSwap(rawTail, PackTail(nextTermID, 0)) {
			break
		}
	}
	return l.activeTermCount.CompareAndSwap(termCount, nextTermCount)
}

// Clean zeroes length bytes of the term holding position, starting at position. The
// first word is cleared last with a release store so readers never see a partial frame.
func (l *Log) Clean(position int64, length int) int {
	term, offset := l.TermAt(position)
	length = min(length, l.termLength-offset)
	if length <= 0 {
		return 0
	}
	if length > 8 {
		clear(term[offset+8 : offset+length])
	}
	atomic.StoreInt64(word64(term, offset), 0)
	return length
}
