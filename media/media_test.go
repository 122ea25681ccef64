package media

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/flowcontrol"
	"github.com/c360/semwire/metric"
)

func TestParseChannel_Unicast(t *testing.T) {
	ch, err := ParseChannel("udp://127.0.0.1:40123?term-length=65536&mtu=4096")
	require.NoError(t, err)

	assert.False(t, ch.Multicast)
	assert.False(t, ch.Spy)
	assert.Equal(t, "127.0.0.1:40123", ch.Endpoint.String())
	assert.Nil(t, ch.Control)
	assert.Equal(t, flowcontrol.Unicast, ch.FlowControl)
	assert.Equal(t, 65536, ch.TermLength)
	assert.Equal(t, 4096, ch.MTU)
	assert.Equal(t, "udp://127.0.0.1:40123", ch.Key())

	source := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9999}
	assert.Equal(t, source, ch.ControlDestination(source))
	assert.True(t, ch.SenderEndpoint().Bind.IP.IsUnspecified())
}

func TestParseChannel_MulticastControlIsGroupPlusOne(t *testing.T) {
	ch, err := ParseChannel("udp://224.10.9.7:40124?ttl=8")
	require.NoError(t, err)

	assert.True(t, ch.Multicast)
	assert.Equal(t, "224.10.9.8:40124", ch.Control.String())
	assert.Equal(t, flowcontrol.MinMulticast, ch.FlowControl)
	assert.Equal(t, 8, ch.TTL)

	sender := ch.SenderEndpoint()
	assert.Equal(t, "224.10.9.8", sender.Group.String())
	receiver := ch.ReceiverEndpoint()
	assert.Equal(t, "224.10.9.7", receiver.Group.String())
	assert.Equal(t, ch.Control, ch.ControlDestination(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}))
}

func TestParseChannel_SpyAndFlowControl(t *testing.T) {
	ch, err := ParseChannel("spy:udp://224.0.1.255:40125?fc=max")
	require.NoError(t, err)
	assert.True(t, ch.Spy)
	assert.Equal(t, "224.0.2.0:40125", ch.Control.String(), "carry into the next octet")
	assert.Equal(t, flowcontrol.MaxMulticast, ch.FlowControl)
	assert.Equal(t, "udp://224.0.1.255:40125", ch.Key())
}

func TestParseChannel_Invalid(t *testing.T) {
	for _, uri := range []string{
		"tcp://127.0.0.1:1",
		"udp://",
		"udp://127.0.0.1",
		"udp://127.0.0.1:1?ttl=300",
		"udp://127.0.0.1:1?fc=tagged",
		"udp://127.0.0.1:1?mtu=big",
	} {
		_, err := ParseChannel(uri)
		require.Error(t, err, uri)
		assert.True(t, errors.Is(err, errors.ErrInvalidChannel), uri)
		assert.True(t, errors.IsInvalid(err), uri)
	}
}

func collect(tr Transport) [][]byte {
	var out [][]byte
	tr.Poll(func(data []byte, _ *net.UDPAddr) {
		out = append(out, append([]byte(nil), data...))
	}, 100)
	return out
}

func TestHub_UnicastDeliveryAndSource(t *testing.T) {
	hub := NewHub(Deps{})
	rcv, err := hub.Open(Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}})
	require.NoError(t, err)
	snd, err := hub.Open(Endpoint{Bind: &net.UDPAddr{IP: net.IPv4zero}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:40000", snd.LocalAddr().String())

	_, err = hub.Open(Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}})
	assert.Error(t, err, "unicast address already bound")

	n, err := snd.Send([]byte("hello"), rcv.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var from *net.UDPAddr
	got := rcv.Poll(func(data []byte, src *net.UDPAddr) {
		assert.Equal(t, "hello", string(data))
		from = src
	}, 10)
	assert.Equal(t, 1, got)
	assert.Equal(t, snd.LocalAddr(), from)

	require.NoError(t, rcv.Close())
	_, err = snd.Send([]byte("gone"), rcv.LocalAddr())
	assert.NoError(t, err, "sending to nobody is not an error")
}

func TestHub_GroupFanOutAndLoss(t *testing.T) {
	hub := NewHub(Deps{})
	group := &net.UDPAddr{IP: net.IPv4(224, 1, 1, 1), Port: 6000}
	a, err := hub.Open(Endpoint{Bind: group, Group: group.IP})
	require.NoError(t, err)
	b, err := hub.Open(Endpoint{Bind: group, Group: group.IP})
	require.NoError(t, err)
	snd, err := hub.Open(Endpoint{Bind: &net.UDPAddr{}})
	require.NoError(t, err)

	hub.SetLoss(func(data []byte, _, _ *net.UDPAddr) bool { return string(data) == "drop" })
	_, _ = snd.Send([]byte("keep"), group)
	_, _ = snd.Send([]byte("drop"), group)

	assert.Equal(t, [][]byte{[]byte("keep")}, collect(a))
	assert.Equal(t, [][]byte{[]byte("keep")}, collect(b))

	hub.SetLoss(nil)
	_, _ = snd.Send([]byte("drop"), group)
	assert.Len(t, collect(a), 1)
}

func TestHub_RingOverflowIsCounted(t *testing.T) {
	counters := metric.NewSystemCounters()
	hub := NewHub(Deps{Counters: counters})
	hub.capacity = 2
	rcv, err := hub.Open(Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5001}})
	require.NoError(t, err)
	snd, err := hub.Open(Endpoint{Bind: &net.UDPAddr{}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _ = snd.Send([]byte{byte(i)}, rcv.LocalAddr())
	}
	assert.Len(t, collect(rcv), 2)
	assert.Equal(t, int64(3), counters.DroppedDatagrams.Load())
}

func TestUDPTransport_Loopback(t *testing.T) {
	network := NewUDPNetwork(DefaultUDPConfig(), Deps{})
	rcv, err := network.Open(Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}})
	require.NoError(t, err)
	defer rcv.Close()
	snd, err := network.Open(Endpoint{Bind: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}})
	require.NoError(t, err)
	defer snd.Close()

	_, err = snd.Send([]byte("datagram"), rcv.LocalAddr())
	require.NoError(t, err)

	var got []byte
	var from *net.UDPAddr
	require.Eventually(t, func() bool {
		rcv.Poll(func(data []byte, src *net.UDPAddr) {
			got = append([]byte(nil), data...)
			from = src
		}, 1)
		return got != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "datagram", string(got))
	assert.Equal(t, snd.LocalAddr().Port, from.Port)

	require.NoError(t, rcv.Close())
	require.NoError(t, rcv.Close(), "close is idempotent")
}

func TestReadBackoff_DoublesToCapAndResets(t *testing.T) {
	var b readBackoff
	var got []time.Duration
	for i := 0; i < 9; i++ {
		got = append(got, b.next())
	}
	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond,
		16 * time.Millisecond, 32 * time.Millisecond, 64 * time.Millisecond,
		readBackoffMax, readBackoffMax,
	}, got)

	b.reset()
	assert.Equal(t, readBackoffMin, b.next())
}
