// Package protocol defines the semwire wire format: frame types, flags, header
// layouts and the encoders/decoders for Data, Pad, Setup, Status Message and Nak
// frames. All multi-byte fields are little-endian.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/semwire/errors"
)

// Version is the current protocol version carried in every header.
const Version uint8 = 0

// FrameAlignment is the boundary every frame in a term starts on.
const FrameAlignment = 32

// Frame types.
const (
	TypePad   uint16 = 0x00
	TypeData  uint16 = 0x01
	TypeNak   uint16 = 0x02
	TypeSM    uint16 = 0x03
	TypeSetup uint16 = 0x05
)

// Data frame flags.
const (
	FlagBegin uint8 = 0x80
	FlagEnd   uint8 = 0x40
	FlagEOS   uint8 = 0x20

	FlagsUnfragmented = FlagBegin | FlagEnd
)

// FlagSendSetup on a Status Message asks the sender to emit a Setup frame.
const FlagSendSetup uint8 = 0x80

// Header lengths in bytes.
const (
	BaseHeaderLength    = 8
	DataHeaderLength    = 32
	SetupLength         = 40
	StatusMessageLength = 36
	NakLength           = 28
)

// Field offsets shared by every frame type.
const (
	FrameLengthOffset = 0
	VersionOffset     = 4
	FlagsOffset       = 5
	TypeOffset        = 6
)

// Data header field offsets.
const (
	TermOffsetOffset    = 8
	SessionIDOffset     = 12
	StreamIDOffset      = 16
	TermIDOffset        = 20
	ReservedValueOffset = 24
)

// Align rounds value up to the next multiple of alignment, which must be a power of two.
func Align(value, alignment int) int {
	return (value + (alignment - 1)) &^ (alignment - 1)
}

// FrameType returns the type field of the frame at the start of b.
func FrameType(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[TypeOffset:])
}

// FrameLength returns the non-atomic frame length of the frame at the start of b.
func FrameLength(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b[FrameLengthOffset:]))
}

// TypeName returns a short human readable name for a frame type.
func TypeName(t uint16) string {
	switch t {
	case TypePad:
		return "PAD"
	case TypeData:
		return "DATA"
	case TypeNak:
		return "NAK"
	case TypeSM:
		return "SM"
	case TypeSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", t)
	}
}

// DataHeader is the 32 byte header of Data and Pad frames.
type DataHeader struct {
	FrameLength   int32
	Version       uint8
	Flags         uint8
	Type          uint16
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	TermID        int32
	ReservedValue int64
}

// Encode writes the header into b, which must hold at least DataHeaderLength bytes.
func (h *DataHeader) Encode(b []byte) {
	_ = b[DataHeaderLength-1]
	binary.LittleEndian.PutUint32(b[FrameLengthOffset:], uint32(h.FrameLength))
	b[VersionOffset] = h.Version
	b[FlagsOffset] = h.Flags
	binary.LittleEndian.PutUint16(b[TypeOffset:], h.Type)
	binary.LittleEndian.PutUint32(b[TermOffsetOffset:], uint32(h.TermOffset))
	binary.LittleEndian.PutUint32(b[SessionIDOffset:], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(b[StreamIDOffset:], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(b[TermIDOffset:], uint32(h.TermID))
	binary.LittleEndian.PutUint64(b[ReservedValueOffset:], uint64(h.ReservedValue))
}

// IsHeartbeat reports whether the header describes a zero-length data frame.
func (h *DataHeader) IsHeartbeat() bool {
	return h.Type == TypeData && h.FrameLength == 0
}

// IsEndOfStream reports whether the EOS flag is set.
func (h *DataHeader) IsEndOfStream() bool {
	return h.Flags&FlagEOS != 0
}

// DecodeDataHeader parses a Data or Pad header from the start of b.
func DecodeDataHeader(b []byte) (DataHeader, error) {
	if len(b) < DataHeaderLength {
		return DataHeader{}, errors.WrapInvalid(errors.ErrShortFrame, "protocol", "DecodeDataHeader",
			fmt.Sprintf("length %d", len(b)))
	}
	h := DataHeader{
		FrameLength:   int32(binary.LittleEndian.Uint32(b[FrameLengthOffset:])),
		Version:       b[VersionOffset],
		Flags:         b[FlagsOffset],
		Type:          binary.LittleEndian.Uint16(b[TypeOffset:]),
		TermOffset:    int32(binary.LittleEndian.Uint32(b[TermOffsetOffset:])),
		SessionID:     int32(binary.LittleEndian.Uint32(b[SessionIDOffset:])),
		StreamID:      int32(binary.LittleEndian.Uint32(b[StreamIDOffset:])),
		TermID:        int32(binary.LittleEndian.Uint32(b[TermIDOffset:])),
		ReservedValue: int64(binary.LittleEndian.Uint64(b[ReservedValueOffset:])),
	}
	if h.Version != Version {
		return h, errors.WrapInvalid(errors.ErrInvalidVersion, "protocol", "DecodeDataHeader",
			fmt.Sprintf("version %d", h.Version))
	}
	if h.Type != TypeData && h.Type != TypePad {
		return h, errors.WrapInvalid(errors.ErrUnknownFrameType, "protocol", "DecodeDataHeader",
			TypeName(h.Type))
	}
	return h, nil
}

// Setup establishes an image on the receiver.
type Setup struct {
	Flags         uint8
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MTU           int32
	TTL           int32
}

// Encode writes the frame into b and returns the number of bytes written.
func (s *Setup) Encode(b []byte) int {
	_ = b[SetupLength-1]
	putBase(b, SetupLength, s.Flags, TypeSetup)
	binary.LittleEndian.PutUint32(b[8:], uint32(s.TermOffset))
	binary.LittleEndian.PutUint32(b[12:], uint32(s.SessionID))
	binary.LittleEndian.PutUint32(b[16:], uint32(s.StreamID))
	binary.LittleEndian.PutUint32(b[20:], uint32(s.InitialTermID))
	binary.LittleEndian.PutUint32(b[24:], uint32(s.ActiveTermID))
	binary.LittleEndian.PutUint32(b[28:], uint32(s.TermLength))
	binary.LittleEndian.PutUint32(b[32:], uint32(s.MTU))
	binary.LittleEndian.PutUint32(b[36:], uint32(s.TTL))
	return SetupLength
}

// DecodeSetup parses a Setup frame.
func DecodeSetup(b []byte) (Setup, error) {
	if err := checkBase(b, SetupLength, TypeSetup, "DecodeSetup"); err != nil {
		return Setup{}, err
	}
	return Setup{
		Flags:         b[FlagsOffset],
		TermOffset:    int32(binary.LittleEndian.Uint32(b[8:])),
		SessionID:     int32(binary.LittleEndian.Uint32(b[12:])),
		StreamID:      int32(binary.LittleEndian.Uint32(b[16:])),
		InitialTermID: int32(binary.LittleEndian.Uint32(b[20:])),
		ActiveTermID:  int32(binary.LittleEndian.Uint32(b[24:])),
		TermLength:    int32(binary.LittleEndian.Uint32(b[28:])),
		MTU:           int32(binary.LittleEndian.Uint32(b[32:])),
		TTL:           int32(binary.LittleEndian.Uint32(b[36:])),
	}, nil
}

// StatusMessage is the receiver-to-sender flow control acknowledgement.
type StatusMessage struct {
	Flags                 uint8
	SessionID             int32
	StreamID              int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow        int32
	ReceiverID            int64
}

// Encode writes the frame into b and returns the number of bytes written.
func (m *StatusMessage) Encode(b []byte) int {
	_ = b[StatusMessageLength-1]
	putBase(b, StatusMessageLength, m.Flags, TypeSM)
	binary.LittleEndian.PutUint32(b[8:], uint32(m.SessionID))
	binary.LittleEndian.PutUint32(b[12:], uint32(m.StreamID))
	binary.LittleEndian.PutUint32(b[16:], uint32(m.ConsumptionTermID))
	binary.LittleEndian.PutUint32(b[20:], uint32(m.ConsumptionTermOffset))
	binary.LittleEndian.PutUint32(b[24:], uint32(m.ReceiverWindow))
	binary.LittleEndian.PutUint64(b[28:], uint64(m.ReceiverID))
	return StatusMessageLength
}

// SendSetup reports whether the receiver is asking for a Setup frame.
func (m *StatusMessage) SendSetup() bool {
	return m.Flags&FlagSendSetup != 0
}

// DecodeStatusMessage parses a Status Message frame.
func DecodeStatusMessage(b []byte) (StatusMessage, error) {
	if err := checkBase(b, StatusMessageLength, TypeSM, "DecodeStatusMessage"); err != nil {
		return StatusMessage{}, err
	}
	m := StatusMessage{
		Flags:                 b[FlagsOffset],
		SessionID:             int32(binary.LittleEndian.Uint32(b[8:])),
		StreamID:              int32(binary.LittleEndian.Uint32(b[12:])),
		ConsumptionTermID:     int32(binary.LittleEndian.Uint32(b[16:])),
		ConsumptionTermOffset: int32(binary.LittleEndian.Uint32(b[20:])),
		ReceiverWindow:        int32(binary.LittleEndian.Uint32(b[24:])),
		ReceiverID:            int64(binary.LittleEndian.Uint64(b[28:])),
	}
	if m.ReceiverWindow < 0 || m.ConsumptionTermOffset < 0 {
		return m, errors.WrapInvalid(errors.ErrInvalidFrame, "protocol", "DecodeStatusMessage",
			fmt.Sprintf("window=%d offset=%d", m.ReceiverWindow, m.ConsumptionTermOffset))
	}
	return m, nil
}

// Nak requests retransmission of a byte range of a term.
type Nak struct {
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// Encode writes the frame into b and returns the number of bytes written.
func (n *Nak) Encode(b []byte) int {
	_ = b[NakLength-1]
	putBase(b, NakLength, 0, TypeNak)
	binary.LittleEndian.PutUint32(b[8:], uint32(n.SessionID))
	binary.LittleEndian.PutUint32(b[12:], uint32(n.StreamID))
	binary.LittleEndian.PutUint32(b[16:], uint32(n.TermID))
	binary.LittleEndian.PutUint32(b[20:], uint32(n.TermOffset))
	binary.LittleEndian.PutUint32(b[24:], uint32(n.Length))
	return NakLength
}

// DecodeNak parses a Nak frame.
func DecodeNak(b []byte) (Nak, error) {
	if err := checkBase(b, NakLength, TypeNak, "DecodeNak"); err != nil {
		return Nak{}, err
	}
	n := Nak{
		SessionID:  int32(binary.LittleEndian.Uint32(b[8:])),
		StreamID:   int32(binary.LittleEndian.Uint32(b[12:])),
		TermID:     int32(binary.LittleEndian.Uint32(b[16:])),
		TermOffset: int32(binary.LittleEndian.Uint32(b[20:])),
		Length:     int32(binary.LittleEndian.Uint32(b[24:])),
	}
	if n.TermOffset < 0 || n.Length <= 0 {
		return n, errors.WrapInvalid(errors.ErrInvalidFrame, "protocol", "DecodeNak",
			fmt.Sprintf("range offset=%d length=%d", n.TermOffset, n.Length))
	}
	return n, nil
}

func putBase(b []byte, length int, flags uint8, frameType uint16) {
	binary.LittleEndian.PutUint32(b[FrameLengthOffset:], uint32(length))
	b[VersionOffset] = Version
	b[FlagsOffset] = flags
	binary.LittleEndian.PutUint16(b[TypeOffset:], frameType)
}

func checkBase(b []byte, length int, frameType uint16, op string) error {
	if len(b) < length {
		return errors.WrapInvalid(errors.ErrShortFrame, "protocol", op, fmt.Sprintf("length %d < %d", len(b), length))
	}
	if b[VersionOffset] != Version {
		return errors.WrapInvalid(errors.ErrInvalidVersion, "protocol", op, fmt.Sprintf("version %d", b[VersionOffset]))
	}
	if t := FrameType(b); t != frameType {
		return errors.WrapInvalid(errors.ErrUnknownFrameType, "protocol", op, TypeName(t))
	}
	if fl := FrameLength(b); int(fl) < length {
		return errors.WrapInvalid(errors.ErrShortFrame, "protocol", op, fmt.Sprintf("frame length %d", fl))
	}
	return nil
}
