package logbuffer

import (
	"encoding/binary"

	"github.com/c360/semwire/protocol"
)

// AppendTripped is returned by the append operations when the claim crossed the end
// of the term. The caller must rotate the log and retry.
const AppendTripped int32 = -1

// ReservedValueSupplier computes the reserved value of a frame after its payload is written.
type ReservedValueSupplier func(term []byte, termOffset, frameLength int) int64

// claim reserves alignedLength bytes in partition index and returns the term id and
// the offset of the reservation. The offset may lie beyond the end of the term.
func (l *Log) claim(index int, alignedLength int) (termID int32, termOffset int64) {
	rawTail := l.tails[index].Add(int64(alignedLength)) - int64(alignedLength)
	return TermIDFromTail(rawTail), rawTail & 0xFFFF_FFFF
}

// handleEndOfTerm pads out the term when the claim overflows it. Only the writer whose
// claim started inside the term writes the padding.
func (l *Log) handleEndOfTerm(term []byte, termID int32, termOffset int64) int32 {
	if termOffset < int64(l.termLength) {
		offset := int(termOffset)
		paddingLength := l.termLength - offset
		l.writeHeader(term, offset, termID, protocol.TypePad, protocol.FlagsUnfragmented, paddingLength)
		FrameLengthOrdered(term, offset, int32(paddingLength))
	}
	return AppendTripped
}

// writeHeader writes every header field and marks the frame as in progress with a
// negative length.
func (l *Log) writeHeader(term []byte, offset int, termID int32, frameType uint16, flags uint8, frameLength int) {
	h := protocol.DataHeader{
		FrameLength: -int32(frameLength),
		Version:     protocol.Version,
		Flags:       flags,
		Type:        frameType,
		TermOffset:  int32(offset),
		SessionID:   l.sessionID,
		StreamID:    l.streamID,
		TermID:      termID,
	}
	var scratch [protocol.DataHeaderLength]byte
	h.Encode(scratch[:])
	copy(term[offset+protocol.VersionOffset:offset+protocol.DataHeaderLength], scratch[protocol.VersionOffset:])
	FrameLengthOrdered(term, offset, -int32(frameLength))
}

// AppendUnfragmented writes payload as a single frame into partition index and returns
// the resulting tail offset or AppendTripped.
func (l *Log) AppendUnfragmented(index int, payload []byte, supplier ReservedValueSupplier) (termID int32, resultingOffset int32) {
	frameLength := len(payload) + protocol.DataHeaderLength
	alignedLength := protocol.Align(frameLength, protocol.FrameAlignment)
	termID, termOffset := l.claim(index, alignedLength)
	term := l.terms[index]

	resulting := termOffset + int64(alignedLength)
	if resulting > int64(l.termLength) {
		return termID, l.handleEndOfTerm(term, termID, termOffset)
	}

	offset := int(termOffset)
	l.writeHeader(term, offset, termID, protocol.TypeData, protocol.FlagsUnfragmented, frameLength)
	copy(term[offset+protocol.DataHeaderLength:], payload)
	if supplier != nil {
		putReserved(term, offset, supplier(term, offset, frameLength))
	}
	FrameLengthOrdered(term, offset, int32(frameLength))
	return termID, int32(resulting)
}

// AppendFragmented splits payload into frames of at most maxPayload bytes. The whole
// message is claimed with a single tail update so fragments are contiguous.
func (l *Log) AppendFragmented(index int, payload []byte, maxPayload int, supplier ReservedValueSupplier) (termID int32, resultingOffset int32) {
	numMaxPayloads := len(payload) / maxPayload
	remaining := len(payload) % maxPayload
	lastFrameLength := 0
	if remaining > 0 {
		lastFrameLength = protocol.Align(remaining+protocol.DataHeaderLength, protocol.FrameAlignment)
	}
	requiredLength := numMaxPayloads*(maxPayload+protocol.DataHeaderLength) + lastFrameLength

	termID, termOffset := l.claim(index, requiredLength)
	term := l.terms[index]

	resulting := termOffset + int64(requiredLength)
	if resulting > int64(l.termLength) {
		return termID, l.handleEndOfTerm(term, termID, termOffset)
	}

	flags := protocol.FlagBegin
	remainingBytes := len(payload)
	offset := int(termOffset)
	src := 0
	for remainingBytes > 0 {
		bytesToWrite := min(remainingBytes, maxPayload)
		frameLength := bytesToWrite + protocol.DataHeaderLength
		alignedLength := protocol.Align(frameLength, protocol.FrameAlignment)
		if remainingBytes <= maxPayload {
			flags |= protocol.FlagEnd
		}

		l.writeHeader(term, offset, termID, protocol.TypeData, flags, frameLength)
		copy(term[offset+protocol.DataHeaderLength:], payload[src:src+bytesToWrite])
		if supplier != nil {
			putReserved(term, offset, supplier(term, offset, frameLength))
		}
		FrameLengthOrdered(term, offset, int32(frameLength))

		flags = 0
		offset += alignedLength
		src += bytesToWrite
		remainingBytes -= bytesToWrite
	}
	return termID, int32(resulting)
}

// Claim reserves a frame for zero-copy writing. The caller fills Payload and then
// calls Commit or Abort.
func (l *Log) Claim(index int, length int, bc *BufferClaim) (termID int32, resultingOffset int32) {
	frameLength := length + protocol.DataHeaderLength
	alignedLength := protocol.Align(frameLength, protocol.FrameAlignment)
	termID, termOffset := l.claim(index, alignedLength)
	term := l.terms[index]

	resulting := termOffset + int64(alignedLength)
	if resulting > int64(l.termLength) {
		return termID, l.handleEndOfTerm(term, termID, termOffset)
	}

	offset := int(termOffset)
	l.writeHeader(term, offset, termID, protocol.TypeData, protocol.FlagsUnfragmented, frameLength)
	bc.wrap(term, offset, frameLength)
	return termID, int32(resulting)
}

func putReserved(term []byte, offset int, value int64) {
	binary.LittleEndian.PutUint64(term[offset+protocol.ReservedValueOffset:], uint64(value))
}

// BufferClaim is a reserved, not yet committed frame in a term.
type BufferClaim struct {
	term        []byte
	offset      int
	frameLength int
}

func (bc *BufferClaim) wrap(term []byte, offset, frameLength int) {
	bc.term = term
	bc.offset = offset
	bc.frameLength = frameLength
}

// Payload returns the writable payload region of the claimed frame.
func (bc *BufferClaim) Payload() []byte {
	return bc.term[bc.offset+protocol.DataHeaderLength : bc.offset+bc.frameLength]
}

// SetReservedValue sets the frame's reserved value before commit.
func (bc *BufferClaim) SetReservedValue(v int64) {
	putReserved(bc.term, bc.offset, v)
}

// Commit publishes the frame to readers.
func (bc *BufferClaim) Commit() {
	if bc.term == nil {
		return
	}
	FrameLengthOrdered(bc.term, bc.offset, int32(bc.frameLength))
	bc.term = nil
}

// Abort turns the claimed frame into padding so readers skip it.
func (bc *BufferClaim) Abort() {
	if bc.term == nil {
		return
	}
	binary.LittleEndian.PutUint16(bc.term[bc.offset+protocol.TypeOffset:], protocol.TypePad)
	FrameLengthOrdered(bc.term, bc.offset, int32(bc.frameLength))
	bc.term = nil
}
