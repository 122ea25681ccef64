package logbuffer

import (
	"encoding/binary"

	"github.com/c360/semwire/protocol"
)

// Header describes the frame a fragment was delivered from.
type Header struct {
	SessionID     int32
	StreamID      int32
	TermID        int32
	TermOffset    int32
	Flags         uint8
	ReservedValue int64
	// Position is the stream position immediately after the fragment.
	Position int64
}

// IsBegin reports whether the fragment starts a message.
func (h *Header) IsBegin() bool { return h.Flags&protocol.FlagBegin != 0 }

// IsEnd reports whether the fragment ends a message.
func (h *Header) IsEnd() bool { return h.Flags&protocol.FlagEnd != 0 }

// FragmentHandler receives the payload of each delivered data frame. The payload
// aliases the term buffer and is only valid for the duration of the call.
type FragmentHandler func(payload []byte, header *Header)

// Frame is one committed frame found by Scan.
type Frame struct {
	Offset        int
	Length        int
	AlignedLength int
	Type          uint16
	Flags         uint8
	TermID        int32
}

// Scan parses the frame at offset. It returns false, not an error, when the frame's
// length has not been committed or the frame belongs to another generation of the term.
func Scan(term []byte, offset int, expectedTermID int32) (Frame, bool) {
	if offset+protocol.DataHeaderLength > len(term) {
		return Frame{}, false
	}
	frameLength := FrameLengthVolatile(term, offset)
	if frameLength <= 0 {
		return Frame{}, false
	}
	termID := int32(binary.LittleEndian.Uint32(term[offset+protocol.TermIDOffset:]))
	if termID != expectedTermID {
		return Frame{}, false
	}
	return Frame{
		Offset:        offset,
		Length:        int(frameLength),
		AlignedLength: protocol.Align(int(frameLength), protocol.FrameAlignment),
		Type:          protocol.FrameType(term[offset:]),
		Flags:         term[offset+protocol.FlagsOffset],
		TermID:        termID,
	}, true
}

// Read delivers up to fragmentsLimit data fragments from term starting at offset,
// skipping padding, and stopping at the first uncommitted frame or at limitOffset.
// It returns the number of fragments delivered and the offset reached.
func Read(term []byte, offset, limitOffset int, termID int32, termBeginPosition int64,
	fragmentsLimit int, handler FragmentHandler) (fragments int, newOffset int) {
	limitOffset = min(limitOffset, len(term))
	var header Header
	for fragments < fragmentsLimit && offset < limitOffset {
		f, ok := Scan(term, offset, termID)
		if !ok {
			break
		}
		offset += f.AlignedLength
		if f.Type == protocol.TypePad {
			continue
		}
		header = Header{
			SessionID:     int32(binary.LittleEndian.Uint32(term[f.Offset+protocol.SessionIDOffset:])),
			StreamID:      int32(binary.LittleEndian.Uint32(term[f.Offset+protocol.StreamIDOffset:])),
			TermID:        termID,
			TermOffset:    int32(f.Offset),
			Flags:         f.Flags,
			ReservedValue: int64(binary.LittleEndian.Uint64(term[f.Offset+protocol.ReservedValueOffset:])),
			Position:      termBeginPosition + int64(offset),
		}
		handler(term[f.Offset+protocol.DataHeaderLength:f.Offset+f.Length], &header)
		fragments++
	}
	return fragments, offset
}

// ScanForAvailability returns how many bytes starting at offset can be sent in one
// datagram of at most maxLength bytes. When a padding frame is reached only its header
// is counted as available and the rest of it is returned as padding.
func ScanForAvailability(term []byte, offset, maxLength int) (available, padding int) {
	maxLength = min(maxLength, len(term)-offset)
	for available < maxLength {
		frameOffset := offset + available
		frameLength := FrameLengthVolatile(term, frameOffset)
		if frameLength <= 0 {
			break
		}
		alignedLength := protocol.Align(int(frameLength), protocol.FrameAlignment)
		if protocol.FrameType(term[frameOffset:]) == protocol.TypePad {
			padding = alignedLength - protocol.DataHeaderLength
			alignedLength = protocol.DataHeaderLength
		}
		available += alignedLength
		if available > maxLength {
			available -= alignedLength
			padding = 0
			break
		}
		if padding != 0 {
			break
		}
	}
	return available, padding
}

// Insert copies a received frame into term at offset unless a frame is already present
// there. The length is written last so readers see complete frames only.
func Insert(term []byte, offset int, frame []byte) bool {
	if offset+len(frame) > len(term) || len(frame) < protocol.DataHeaderLength {
		return false
	}
	if FrameLengthVolatile(term, offset) != 0 {
		return false
	}
	copy(term[offset+4:offset+len(frame)], frame[4:])
	FrameLengthOrdered(term, offset, protocol.FrameLength(frame))
	return true
}

// ScanForGap scans contiguous frames from rebuildOffset towards limitOffset. It returns
// the offset after the last contiguous frame and, when a gap exists before
// limitOffset, the gap's length measured to the next received frame or to limitOffset.
func ScanForGap(term []byte, termID int32, rebuildOffset, limitOffset int) (newRebuildOffset, gapLength int) {
	limitOffset = min(limitOffset, len(term))
	offset := rebuildOffset
	for offset < limitOffset {
		f, ok := Scan(term, offset, termID)
		if !ok {
			break
		}
		offset += f.AlignedLength
	}
	newRebuildOffset = offset
	if offset >= limitOffset {
		return newRebuildOffset, 0
	}

	gapEnd := offset + protocol.FrameAlignment
	for gapEnd < limitOffset {
		if FrameLengthVolatile(term, gapEnd) != 0 {
			break
		}
		gapEnd += protocol.FrameAlignment
	}
	return newRebuildOffset, min(gapEnd, limitOffset) - newRebuildOffset
}
