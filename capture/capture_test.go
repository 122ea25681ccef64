package capture

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/protocol"
)

var (
	sender   = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 50000}
	receiver = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2).To4(), Port: 40123}
)

func dataDatagram(payloads ...[]byte) []byte {
	var out []byte
	offset := int32(0)
	for _, p := range payloads {
		frame := make([]byte, protocol.Align(protocol.DataHeaderLength+len(p), protocol.FrameAlignment))
		h := protocol.DataHeader{
			FrameLength: int32(protocol.DataHeaderLength + len(p)),
			Flags:       protocol.FlagsUnfragmented,
			Type:        protocol.TypeData,
			TermOffset:  offset,
			SessionID:   7,
			StreamID:    1001,
			TermID:      3,
		}
		h.Encode(frame)
		copy(frame[protocol.DataHeaderLength:], p)
		out = append(out, frame...)
		offset += int32(len(frame))
	}
	return out
}

func TestDecodeDatagram_PackedDataFrames(t *testing.T) {
	frames, err := DecodeDatagram(dataDatagram([]byte("hello"), make([]byte, 40)))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	want := &protocol.DataHeader{
		FrameLength: protocol.DataHeaderLength + 40,
		Flags:       protocol.FlagsUnfragmented,
		Type:        protocol.TypeData,
		TermOffset:  64,
		SessionID:   7,
		StreamID:    1001,
		TermID:      3,
	}
	if diff := cmp.Diff(want, frames[1].Data); diff != "" {
		t.Errorf("second frame mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 64, frames[0].Length)
	assert.Equal(t, 96, frames[1].Length)
	assert.Equal(t, "DATA", frames[0].TypeName())
	assert.Contains(t, frames[0].String(), "flags=B|E")
}

func TestDecodeDatagram_ControlFrames(t *testing.T) {
	buf := make([]byte, 64)

	sm := protocol.StatusMessage{Flags: protocol.FlagSendSetup, SessionID: 7, StreamID: 1001, ReceiverID: 42}
	frames, err := DecodeDatagram(buf[:sm.Encode(buf)])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	if diff := cmp.Diff(&sm, frames[0].StatusMessage); diff != "" {
		t.Errorf("status message mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, frames[0].String(), "send_setup")

	nak := protocol.Nak{SessionID: 7, StreamID: 1001, TermID: 3, TermOffset: 128, Length: 64}
	frames, err = DecodeDatagram(buf[:nak.Encode(buf)])
	require.NoError(t, err)
	if diff := cmp.Diff(&nak, frames[0].Nak); diff != "" {
		t.Errorf("nak mismatch (-want +got):\n%s", diff)
	}

	setup := protocol.Setup{SessionID: 7, StreamID: 1001, InitialTermID: 3, ActiveTermID: 4,
		TermLength: 65536, MTU: 1408, TTL: 1}
	frames, err = DecodeDatagram(buf[:setup.Encode(buf)])
	require.NoError(t, err)
	if diff := cmp.Diff(&setup, frames[0].Setup); diff != "" {
		t.Errorf("setup mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1001), frames[0].StreamID())
	assert.Equal(t, int32(7), frames[0].SessionID())
}

func TestDecodeDatagram_Malformed(t *testing.T) {
	_, err := DecodeDatagram([]byte{1, 2, 3})
	assert.True(t, errors.IsInvalid(err))

	unknown := make([]byte, 16)
	unknown[protocol.TypeOffset] = 0x7f
	_, err = DecodeDatagram(unknown)
	assert.ErrorIs(t, err, errors.ErrUnknownFrameType)

	// Second frame truncated: the first still decodes.
	d := dataDatagram([]byte("ok"), make([]byte, 100))
	frames, err := DecodeDatagram(d[:len(d)-40])
	assert.Error(t, err)
	assert.Len(t, frames, 1)
}

func TestDecodeDatagram_Heartbeat(t *testing.T) {
	b := make([]byte, protocol.DataHeaderLength)
	h := protocol.DataHeader{Type: protocol.TypeData, Flags: protocol.FlagsUnfragmented | protocol.FlagEOS, SessionID: 1, StreamID: 2}
	h.Encode(b)

	frames, err := DecodeDatagram(b)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "HEARTBEAT", frames[0].TypeName())
	assert.Contains(t, frames[0].String(), "EOS")
}

func TestWriterReader_RoundTrip(t *testing.T) {
	var file bytes.Buffer
	w, err := NewWriter(&file)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data := dataDatagram([]byte("payload"))
	buf := make([]byte, protocol.StatusMessageLength)
	sm := protocol.StatusMessage{SessionID: 7, StreamID: 1001, ReceiverWindow: 4096}
	sm.Encode(buf)

	require.NoError(t, w.WriteDatagram(ts, sender, receiver, data))
	require.NoError(t, w.WriteDatagram(ts.Add(time.Millisecond), receiver, sender, buf))
	other := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3).To4(), Port: 9999}
	require.NoError(t, w.WriteDatagram(ts, other, other, []byte("not semwire")))

	r, err := NewReader(bytes.NewReader(file.Bytes()), WithPort(receiver.Port))
	require.NoError(t, err)

	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Index)
	assert.True(t, ts.Equal(p.Timestamp))
	assert.Equal(t, sender.String(), p.Source.String())
	assert.Equal(t, receiver.String(), p.Destination.String())
	assert.Equal(t, len(data), p.Length)
	require.NoError(t, p.Err)
	require.Len(t, p.Frames, 1)
	assert.Equal(t, int32(1001), p.Frames[0].StreamID())

	p, err = r.Next()
	require.NoError(t, err)
	require.Len(t, p.Frames, 1)
	assert.NotNil(t, p.Frames[0].StatusMessage)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_ForEachSummarizes(t *testing.T) {
	var file bytes.Buffer
	w, err := NewWriter(&file)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, w.WriteDatagram(now, sender, receiver, dataDatagram([]byte("a"), []byte("b"))))
	require.NoError(t, w.WriteDatagram(now, sender, receiver, []byte("garbage!")))

	r, err := NewReader(&file)
	require.NoError(t, err)
	var seen int
	summary, err := r.ForEach(context.Background(), func(Packet) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 2, summary.Packets)
	assert.Equal(t, 1, summary.Invalid)
	assert.Equal(t, 2, summary.Frames["DATA"])
}

func TestReader_StreamFilter(t *testing.T) {
	var file bytes.Buffer
	w, err := NewWriter(&file)
	require.NoError(t, err)
	require.NoError(t, w.WriteDatagram(time.Now(), sender, receiver, dataDatagram([]byte("x"))))

	r, err := NewReader(&file, WithStream(99))
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestNewReader_RejectsNonPcap(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("definitely not a pcap header")))
	assert.True(t, errors.IsInvalid(err))
}

func TestTap_RecordsSendAndReceive(t *testing.T) {
	var file bytes.Buffer
	w, err := NewWriter(&file)
	require.NoError(t, err)
	tap := NewTap(media.NewHub(media.Deps{}), w, clock.NewMock(), nil)

	a, err := tap.Open(media.Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000}})
	require.NoError(t, err)
	b, err := tap.Open(media.Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41001}})
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	datagram := dataDatagram([]byte("tapped"))
	_, err = a.Send(datagram, b.LocalAddr())
	require.NoError(t, err)
	var received []byte
	assert.Equal(t, 1, b.Poll(func(data []byte, _ *net.UDPAddr) { received = bytes.Clone(data) }, 10))
	assert.Equal(t, datagram, received)

	r, err := NewReader(&file)
	require.NoError(t, err)
	summary, err := r.ForEach(context.Background(), func(p Packet) error {
		assert.Equal(t, "127.0.0.1:41000", p.Source.String())
		assert.Equal(t, "127.0.0.1:41001", p.Destination.String())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Packets, "send and receive are both recorded")
}
