// Package capture records and decodes semwire traffic in pcap files.
//
// A Writer frames datagrams as Ethernet/IP/UDP packets so that standard tools can
// open the file, a Tap records what a driver's transports send and receive, and a
// Reader walks a capture back into decoded frames.
package capture

import (
	"fmt"
	"strings"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/protocol"
)

// Frame is one decoded frame of a datagram. Exactly one of the typed fields is set.
type Frame struct {
	Type uint16
	// Length is the number of datagram bytes the frame occupies.
	Length int

	Data          *protocol.DataHeader
	Setup         *protocol.Setup
	StatusMessage *protocol.StatusMessage
	Nak           *protocol.Nak
}

// TypeName returns the frame type as printed by the dump tool.
func (f Frame) TypeName() string {
	if f.Data != nil && f.Data.IsHeartbeat() {
		return "HEARTBEAT"
	}
	return protocol.TypeName(f.Type)
}

// String renders the frame on one line.
func (f Frame) String() string {
	switch {
	case f.Data != nil:
		h := f.Data
		var flags []string
		if h.Flags&protocol.FlagBegin != 0 {
			flags = append(flags, "B")
		}
		if h.Flags&protocol.FlagEnd != 0 {
			flags = append(flags, "E")
		}
		if h.IsEndOfStream() {
			flags = append(flags, "EOS")
		}
		return fmt.Sprintf("%s session=%d stream=%d term=%d offset=%d length=%d flags=%s",
			f.TypeName(), h.SessionID, h.StreamID, h.TermID, h.TermOffset, h.FrameLength,
			strings.Join(flags, "|"))
	case f.Setup != nil:
		s := f.Setup
		return fmt.Sprintf("SETUP session=%d stream=%d initial_term=%d active_term=%d offset=%d term_length=%d mtu=%d ttl=%d",
			s.SessionID, s.StreamID, s.InitialTermID, s.ActiveTermID, s.TermOffset, s.TermLength, s.MTU, s.TTL)
	case f.StatusMessage != nil:
		m := f.StatusMessage
		setup := ""
		if m.SendSetup() {
			setup = " send_setup"
		}
		return fmt.Sprintf("SM session=%d stream=%d term=%d offset=%d window=%d receiver=%d%s",
			m.SessionID, m.StreamID, m.ConsumptionTermID, m.ConsumptionTermOffset, m.ReceiverWindow,
			m.ReceiverID, setup)
	case f.Nak != nil:
		n := f.Nak
		return fmt.Sprintf("NAK session=%d stream=%d term=%d offset=%d length=%d",
			n.SessionID, n.StreamID, n.TermID, n.TermOffset, n.Length)
	default:
		return protocol.TypeName(f.Type)
	}
}

// SessionID returns the session the frame belongs to.
func (f Frame) SessionID() int32 {
	switch {
	case f.Data != nil:
		return f.Data.SessionID
	case f.Setup != nil:
		return f.Setup.SessionID
	case f.StatusMessage != nil:
		return f.StatusMessage.SessionID
	case f.Nak != nil:
		return f.Nak.SessionID
	}
	return 0
}

// StreamID returns the stream the frame belongs to.
func (f Frame) StreamID() int32 {
	switch {
	case f.Data != nil:
		return f.Data.StreamID
	case f.Setup != nil:
		return f.Setup.StreamID
	case f.StatusMessage != nil:
		return f.StatusMessage.StreamID
	case f.Nak != nil:
		return f.Nak.StreamID
	}
	return 0
}

// DecodeDatagram decodes every frame of a semwire datagram. Data and pad frames may be
// packed several to a datagram; control frames travel alone. Frames decoded before a
// malformed one are returned along with the error.
func DecodeDatagram(b []byte) ([]Frame, error) {
	if len(b) < protocol.BaseHeaderLength {
		return nil, errors.WrapInvalid(errors.ErrShortFrame, "capture", "DecodeDatagram",
			fmt.Sprintf("length %d", len(b)))
	}

	switch t := protocol.FrameType(b); t {
	case protocol.TypeData, protocol.TypePad:
		var frames []Frame
		_, err := protocol.ForEachDataFrame(b, func(h protocol.DataHeader, _ []byte) {
			frames = append(frames, Frame{Type: h.Type, Length: protocol.WireLength(&h), Data: &h})
		})
		return frames, err
	case protocol.TypeSetup:
		s, err := protocol.DecodeSetup(b)
		if err != nil {
			return nil, err
		}
		return []Frame{{Type: t, Length: protocol.SetupLength, Setup: &s}}, nil
	case protocol.TypeSM:
		m, err := protocol.DecodeStatusMessage(b)
		if err != nil {
			return nil, err
		}
		return []Frame{{Type: t, Length: protocol.StatusMessageLength, StatusMessage: &m}}, nil
	case protocol.TypeNak:
		n, err := protocol.DecodeNak(b)
		if err != nil {
			return nil, err
		}
		return []Frame{{Type: t, Length: protocol.NakLength, Nak: &n}}, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownFrameType, "capture", "DecodeDatagram",
			protocol.TypeName(t))
	}
}
