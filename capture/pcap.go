package capture

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/media"
)

// snapLength covers the largest datagram plus link, IP and UDP headers.
const snapLength = media.MaxDatagramLength + 128

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Writer writes datagrams to a pcap stream as Ethernet frames. It is safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   *pcapgo.Writer
	buf gopacket.SerializeBuffer
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLength, layers.LinkTypeEthernet); err != nil {
		return nil, errors.Wrap(err, "capture", "NewWriter", "write file header")
	}
	return &Writer{w: pw, buf: gopacket.NewSerializeBuffer()}, nil
}

// WriteDatagram records payload as a UDP datagram from src to dst captured at ts.
func (w *Writer) WriteDatagram(ts time.Time, src, dst *net.UDPAddr, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var network gopacket.SerializableLayer
	if src4, dst4 := src.IP.To4(), dst.IP.To4(); src4 != nil && dst4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src4, DstIP: dst4}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return errors.Wrap(err, "capture", "WriteDatagram", "set checksum layer")
		}
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP,
			SrcIP: src.IP.To16(), DstIP: dst.IP.To16()}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return errors.Wrap(err, "capture", "WriteDatagram", "set checksum layer")
		}
		network = ip
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(w.buf, opts, eth, network, udp, gopacket.Payload(payload)); err != nil {
		return errors.WrapInvalid(err, "capture", "WriteDatagram", "serialize packet")
	}
	data := w.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := w.w.WritePacket(ci, data); err != nil {
		return errors.Wrap(err, "capture", "WriteDatagram", "write packet")
	}
	return nil
}

// Packet is a captured UDP datagram and its decoded frames.
type Packet struct {
	Index       int
	Timestamp   time.Time
	Source      *net.UDPAddr
	Destination *net.UDPAddr
	Length      int
	Frames      []Frame
	// Err is set when the payload is not a well formed semwire datagram. Frames holds
	// whatever decoded before the error.
	Err error
}

// Option configures a Reader.
type Option func(*Reader)

// WithPort keeps only datagrams sent to or from port.
func WithPort(port int) Option {
	return func(r *Reader) { r.port = port }
}

// WithStream keeps only frames of streamID. Packets left without frames are skipped.
func WithStream(streamID int32) Option {
	return func(r *Reader) {
		r.stream = streamID
		r.filterStream = true
	}
}

// Reader decodes the semwire datagrams of a pcap stream.
type Reader struct {
	r            *pcapgo.Reader
	port         int
	stream       int32
	filterStream bool
	index        int
}

// NewReader reads the pcap file header from r.
func NewReader(r io.Reader, opts ...Option) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, errors.WrapInvalid(err, "capture", "NewReader", "read file header")
	}
	reader := &Reader{r: pr}
	for _, opt := range opts {
		opt(reader)
	}
	return reader, nil
}

// Next returns the next matching packet, or io.EOF at the end of the capture.
func (r *Reader) Next() (Packet, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return Packet{}, io.EOF
			}
			return Packet{}, errors.Wrap(err, "capture", "Next", "read packet")
		}
		r.index++

		p, ok := r.decode(gopacket.NewPacket(data, r.r.LinkType(), gopacket.Default))
		if !ok {
			continue
		}
		p.Index = r.index
		p.Timestamp = ci.Timestamp
		return p, nil
	}
}

func (r *Reader) decode(packet gopacket.Packet) (Packet, bool) {
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return Packet{}, false
	}
	if r.port != 0 && int(udp.SrcPort) != r.port && int(udp.DstPort) != r.port {
		return Packet{}, false
	}

	var srcIP, dstIP net.IP
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	default:
		return Packet{}, false
	}

	p := Packet{
		Source:      &net.UDPAddr{IP: srcIP, Port: int(udp.SrcPort)},
		Destination: &net.UDPAddr{IP: dstIP, Port: int(udp.DstPort)},
		Length:      len(udp.Payload),
	}
	p.Frames, p.Err = DecodeDatagram(udp.Payload)
	if r.filterStream {
		kept := p.Frames[:0]
		for _, f := range p.Frames {
			if f.StreamID() == r.stream {
				kept = append(kept, f)
			}
		}
		p.Frames = kept
		if len(p.Frames) == 0 {
			return Packet{}, false
		}
	}
	return p, true
}

// Summary counts what ForEach saw.
type Summary struct {
	Packets int
	Invalid int
	Frames  map[string]int
}

// ForEach calls fn for every matching packet until the capture ends, ctx is done or
// fn returns an error.
func (r *Reader) ForEach(ctx context.Context, fn func(Packet) error) (Summary, error) {
	s := Summary{Frames: make(map[string]int)}
	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		p, err := r.Next()
		if err == io.EOF {
			return s, nil
		}
		if err != nil {
			return s, err
		}

		s.Packets++
		if p.Err != nil {
			s.Invalid++
		}
		for _, f := range p.Frames {
			s.Frames[f.TypeName()]++
		}
		if err := fn(p); err != nil {
			return s, err
		}
	}
}

// String renders the summary for the dump tool.
func (s Summary) String() string {
	return fmt.Sprintf("packets=%d invalid=%d frames=%v", s.Packets, s.Invalid, s.Frames)
}
