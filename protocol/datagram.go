package protocol

import (
	"fmt"

	"github.com/c360/semwire/errors"
)

// WireLength returns how many bytes the data or pad frame described by h occupies
// inside a datagram. Pad frames travel as a bare header and heartbeats carry no payload.
func WireLength(h *DataHeader) int {
	if h.Type == TypePad || h.FrameLength == 0 {
		return DataHeaderLength
	}
	return Align(int(h.FrameLength), FrameAlignment)
}

// ForEachDataFrame walks the data and pad frames packed into a datagram. fn receives the
// decoded header and the frame bytes as they appear on the wire. Walking stops at the
// first malformed frame, which is reported as an invalid error.
func ForEachDataFrame(datagram []byte, fn func(h DataHeader, frame []byte)) (int, error) {
	count := 0
	offset := 0
	for offset < len(datagram) {
		h, err := DecodeDataHeader(datagram[offset:])
		if err != nil {
			return count, err
		}
		if h.FrameLength < 0 || (h.Type == TypeData && h.FrameLength != 0 && h.FrameLength < DataHeaderLength) {
			return count, errors.WrapInvalid(errors.ErrInvalidFrame, "protocol", "ForEachDataFrame",
				fmt.Sprintf("frame length %d", h.FrameLength))
		}
		n := WireLength(&h)
		end := offset + n
		if h.Type == TypeData && h.FrameLength > 0 {
			end = offset + int(h.FrameLength)
		}
		if end > len(datagram) {
			return count, errors.WrapInvalid(errors.ErrShortFrame, "protocol", "ForEachDataFrame",
				fmt.Sprintf("frame at %d needs %d bytes, datagram has %d", offset, end-offset, len(datagram)-offset))
		}
		fn(h, datagram[offset:end])
		count++
		offset += n
	}
	return count, nil
}
