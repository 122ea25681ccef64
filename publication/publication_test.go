package publication

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/flowcontrol"
	"github.com/c360/semwire/liveness"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
	"github.com/c360/semwire/protocol"
	"github.com/c360/semwire/retransmit"
)

const (
	testSessionID     = 7
	testStreamID      = 1001
	testInitialTermID = 100
	testTermLength    = 64 * 1024
	testMTU           = 1408
)

type fixture struct {
	t        *testing.T
	np       *NetworkPublication
	pub      *Publication
	rcv      media.Transport
	counters *metric.SystemCounters
	now      time.Time
}

type received struct {
	setups []protocol.Setup
	frames []protocol.DataHeader
	// datagrams holds the raw bytes of each data datagram
	datagrams [][]byte
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	hub := media.NewHub(media.Deps{})
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}
	rcv, err := hub.Open(media.Endpoint{Bind: dest})
	require.NoError(t, err)
	snd, err := hub.Open(media.Endpoint{Bind: &net.UDPAddr{}})
	require.NoError(t, err)

	cfg := Config{
		SessionID:         testSessionID,
		StreamID:          testStreamID,
		InitialTermID:     testInitialTermID,
		TermLength:        testTermLength,
		MTU:               testMTU,
		HeartbeatInterval: 100 * time.Millisecond,
		SetupInterval:     100 * time.Millisecond,
		ConnectionTimeout: time.Second,
		Linger:            time.Second,
		FlowControl:       flowcontrol.Config{Kind: flowcontrol.Unicast, ReceiverTimeout: 2 * time.Second},
		Retransmit:        retransmit.Config{Linger: 20 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	counters := metric.NewSystemCounters()
	now := time.Unix(1000, 0)
	np, err := New(cfg, Deps{Transport: snd, Destination: dest, Counters: counters}, now)
	require.NoError(t, err)

	return &fixture{
		t:        t,
		np:       np,
		pub:      NewPublication(np, "reg-1", "udp://127.0.0.1:7000", nil),
		rcv:      rcv,
		counters: counters,
		now:      now,
	}
}

func (f *fixture) statusMessage(position int64, window int32) {
	shift := logbuffer.PositionBitsToShift(testTermLength)
	f.np.OnStatusMessage(&protocol.StatusMessage{
		SessionID:             testSessionID,
		StreamID:              testStreamID,
		ConsumptionTermID:     logbuffer.ComputeTermID(position, shift, testInitialTermID),
		ConsumptionTermOffset: logbuffer.ComputeTermOffset(position, testTermLength),
		ReceiverWindow:        window,
		ReceiverID:            1,
	}, f.now)
	f.np.UpdatePublisherLimit()
}

func (f *fixture) drain() received {
	var r received
	f.rcv.Poll(func(data []byte, _ *net.UDPAddr) {
		if protocol.FrameType(data) == protocol.TypeSetup {
			s, err := protocol.DecodeSetup(data)
			require.NoError(f.t, err)
			r.setups = append(r.setups, s)
			return
		}
		r.datagrams = append(r.datagrams, append([]byte(nil), data...))
		_, err := protocol.ForEachDataFrame(data, func(h protocol.DataHeader, _ []byte) {
			r.frames = append(r.frames, h)
		})
		require.NoError(f.t, err)
	}, 1000)
	return r
}

// sendAll runs the sender until nothing is left to send.
func (f *fixture) sendAll() {
	for i := 0; i < 1000; i++ {
		if f.np.Send(f.now) == 0 {
			return
		}
	}
}

func TestOffer_NotConnectedUntilStatusMessage(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.pub.Offer([]byte("early"))
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.True(t, errors.IsTransient(err))
	assert.False(t, f.pub.IsConnected())

	f.np.Send(f.now)
	r := f.drain()
	require.Len(t, r.setups, 1)
	assert.Equal(t, protocol.Setup{
		SessionID:     testSessionID,
		StreamID:      testStreamID,
		InitialTermID: testInitialTermID,
		ActiveTermID:  testInitialTermID,
		TermLength:    testTermLength,
		MTU:           testMTU,
	}, r.setups[0])
	require.Len(t, r.frames, 1)
	assert.True(t, r.frames[0].IsHeartbeat(), "heartbeat precedes the first status message")

	f.statusMessage(0, 32*1024)
	assert.True(t, f.pub.IsConnected())
	assert.Equal(t, int64(testTermLength/2), f.pub.PositionLimit())

	payload := bytes.Repeat([]byte{0xAB}, 100)
	position, err := f.pub.Offer(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(160), position)
	assert.Equal(t, position, f.pub.Position())

	f.sendAll()
	r = f.drain()
	assert.Empty(t, r.setups, "setup stops once a status message arrived")
	require.Len(t, r.frames, 1)
	assert.Equal(t, int32(132), r.frames[0].FrameLength)
	assert.Equal(t, protocol.FlagsUnfragmented, r.frames[0].Flags)
	assert.Equal(t, payload, r.datagrams[0][protocol.DataHeaderLength:132])
	assert.Equal(t, int64(160), f.np.SenderPosition())
}

func TestOffer_BackPressureAndRelease(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)

	msg := make([]byte, 1000)
	offered := 0
	var err error
	for {
		if _, err = f.pub.Offer(msg); err != nil {
			break
		}
		offered++
	}
	assert.True(t, errors.Is(err, errors.ErrBackPressured))
	assert.Equal(t, 31, offered)
	assert.Equal(t, int64(1), f.counters.BackPressureEvents.Load())

	f.sendAll()
	assert.Equal(t, int64(31*1056), f.np.SenderPosition())
	f.np.UpdatePublisherLimit()
	_, err = f.pub.Offer(msg)
	assert.NoError(t, err)
}

func TestOffer_FragmentsLargeMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := f.pub.Offer(payload)
	require.NoError(t, err)
	f.sendAll()
	r := f.drain()

	require.Len(t, r.frames, 3)
	assert.Equal(t, protocol.FlagBegin, r.frames[0].Flags)
	assert.Equal(t, uint8(0), r.frames[1].Flags)
	assert.Equal(t, protocol.FlagEnd, r.frames[2].Flags)

	_, err = f.pub.Offer(make([]byte, f.pub.MaxMessageLength()+1))
	assert.True(t, errors.Is(err, errors.ErrMessageTooLong))
	assert.True(t, errors.IsInvalid(err))
}

func TestOffer_TermRotationEndsWithPadding(t *testing.T) {
	f := newFixture(t, nil)
	f.np.connected.Store(true)
	f.np.publisherLimit.Store(1 << 40)

	msg := make([]byte, 1000)
	offered := 0
	var err error
	for {
		if _, err = f.pub.Offer(msg); err != nil {
			break
		}
		offered++
	}
	assert.True(t, errors.Is(err, errors.ErrAdminAction))
	assert.Equal(t, 62, offered)
	assert.Equal(t, int32(1), f.np.Log().ActiveTermCount())

	term := f.np.Log().Term(0)
	pad, ok := logbuffer.Scan(term, 62*1056, testInitialTermID)
	require.True(t, ok)
	assert.Equal(t, protocol.TypePad, pad.Type)
	assert.Equal(t, testTermLength-62*1056, pad.Length)

	position, err := f.pub.Offer(msg)
	require.NoError(t, err)
	assert.Equal(t, int64(testTermLength+1056), position)
}

func TestTryClaim_CommitAndAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)

	var claim logbuffer.BufferClaim
	_, err := f.pub.TryClaim(16, &claim)
	require.NoError(t, err)
	copy(claim.Payload(), "zero-copy-write!")
	claim.Commit()

	_, err = f.pub.TryClaim(16, &claim)
	require.NoError(t, err)
	claim.Abort()

	f.sendAll()
	r := f.drain()
	require.Len(t, r.frames, 2)
	assert.Equal(t, protocol.TypeData, r.frames[0].Type)
	assert.Equal(t, "zero-copy-write!", string(r.datagrams[0][protocol.DataHeaderLength:protocol.DataHeaderLength+16]))
	assert.Equal(t, protocol.TypePad, r.frames[1].Type)

	_, err = f.pub.TryClaim(testMTU, &claim)
	assert.True(t, errors.Is(err, errors.ErrMessageTooLong))
}

func TestOnNak_ResendsRetainedFramesAndCountsStale(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)
	for i := 0; i < 3; i++ {
		_, err := f.pub.Offer(make([]byte, 100))
		require.NoError(t, err)
	}
	f.sendAll()
	f.drain()

	nak := &protocol.Nak{SessionID: testSessionID, StreamID: testStreamID, TermID: testInitialTermID, TermOffset: 160, Length: 160}
	assert.True(t, f.np.OnNak(nak, f.now))
	r := f.drain()
	require.Len(t, r.datagrams, 1)
	assert.Len(t, r.datagrams[0], 160)
	assert.Equal(t, int32(160), r.frames[0].TermOffset)
	assert.Equal(t, int64(1), f.counters.Retransmits.Load())

	assert.False(t, f.np.OnNak(nak, f.now), "coalesced while lingering")
	assert.Empty(t, f.drain().datagrams)

	ahead := &protocol.Nak{SessionID: testSessionID, StreamID: testStreamID, TermID: testInitialTermID, TermOffset: 4096, Length: 32}
	assert.False(t, f.np.OnNak(ahead, f.now))
	assert.Equal(t, int64(1), f.counters.StaleRetransmits.Load())
	assert.Equal(t, int64(3), f.counters.NaksReceived.Load())
}

func TestOnStatusMessage_SetupRequestRestartsSetup(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)
	f.np.Send(f.now)
	f.drain()

	f.np.OnStatusMessage(&protocol.StatusMessage{Flags: protocol.FlagSendSetup, SessionID: testSessionID, StreamID: testStreamID}, f.now)
	f.np.Send(f.now)
	assert.Len(t, f.drain().setups, 1)
}

func TestHeartbeat_AfterQuietInterval(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)
	_, err := f.pub.Offer([]byte("x"))
	require.NoError(t, err)
	f.sendAll()
	f.drain()

	f.np.Send(f.now.Add(50 * time.Millisecond))
	assert.Empty(t, f.drain().frames)

	f.np.Send(f.now.Add(100 * time.Millisecond))
	r := f.drain()
	require.Len(t, r.frames, 1)
	assert.True(t, r.frames[0].IsHeartbeat())
	assert.Equal(t, int32(64), r.frames[0].TermOffset)
	assert.False(t, r.frames[0].IsEndOfStream())
}

func TestClose_SendsEndOfStreamAndLingers(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 32*1024)
	_, err := f.pub.Offer([]byte("last"))
	require.NoError(t, err)
	assert.Equal(t, liveness.Connected, f.np.OnTimer(f.now))

	require.NoError(t, f.pub.Close())
	_, err = f.pub.Offer([]byte("late"))
	assert.True(t, errors.Is(err, errors.ErrClosed))
	assert.True(t, f.np.IsClosed())

	assert.Equal(t, liveness.Connected, f.np.OnTimer(f.now), "drains before lingering")
	f.sendAll()
	assert.Equal(t, liveness.Linger, f.np.OnTimer(f.now))

	f.np.Send(f.now.Add(200 * time.Millisecond))
	r := f.drain()
	require.NotEmpty(t, r.frames)
	last := r.frames[len(r.frames)-1]
	assert.True(t, last.IsHeartbeat())
	assert.True(t, last.IsEndOfStream())

	assert.Equal(t, liveness.Linger, f.np.OnTimer(f.now.Add(500*time.Millisecond)))
	assert.Equal(t, liveness.Closed, f.np.OnTimer(f.now.Add(1500*time.Millisecond)))
}

func TestSpies_SimulateConnectionWhenEnabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SpiesSimulateConnection = true })
	spy := &atomic.Int64{}
	f.np.AddSpy(spy)

	f.np.Send(f.now.Add(500 * time.Millisecond))
	f.np.UpdatePublisherLimit()
	assert.False(t, f.pub.IsConnected(), "waits for the connection timeout")

	f.np.Send(f.now.Add(time.Second))
	f.np.UpdatePublisherLimit()
	assert.True(t, f.pub.IsConnected())
	assert.Equal(t, liveness.Simulated, f.np.OnTimer(f.now.Add(time.Second)))

	msg := make([]byte, 1000)
	offered := 0
	for {
		if _, err := f.pub.Offer(msg); err != nil {
			assert.True(t, errors.Is(err, errors.ErrBackPressured))
			break
		}
		offered++
	}
	assert.Equal(t, 31, offered, "the spy at zero holds the limit at one term window")

	spy.Store(31 * 1056)
	f.np.Send(f.now.Add(time.Second))
	f.np.UpdatePublisherLimit()
	_, err := f.pub.Offer(msg)
	assert.NoError(t, err)

	f.np.RemoveSpy(spy)
	f.np.Send(f.now.Add(2 * time.Second))
	f.np.UpdatePublisherLimit()
	assert.False(t, f.pub.IsConnected())
}

func TestSpies_NeverConnectWhenSimulationDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.np.AddSpy(&atomic.Int64{})

	for i := 0; i < 5; i++ {
		now := f.now.Add(time.Duration(i) * time.Second)
		f.np.Send(now)
		f.np.UpdatePublisherLimit()
		f.np.OnTimer(now)
	}
	assert.False(t, f.pub.IsConnected())
	assert.Equal(t, liveness.Pending, f.np.State())
	_, err := f.pub.Offer([]byte("x"))
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestOfferContext_GivesUpWithContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.pub.OfferContext(ctx, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	f.statusMessage(0, 32*1024)
	position, err := f.pub.OfferContext(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(64), position)
}

func TestUpdatePublisherLimit_CleansTermBehindConsumers(t *testing.T) {
	f := newFixture(t, nil)
	f.statusMessage(0, 1<<30)
	f.np.publisherLimit.Store(1 << 40)

	msg := make([]byte, 1000)
	for f.np.Log().ActiveTermCount() < 2 {
		_, _ = f.pub.Offer(msg)
	}
	f.sendAll()
	require.Equal(t, int64(2*testTermLength), f.np.SenderPosition())

	f.np.UpdatePublisherLimit()
	assert.Zero(t, logbuffer.FrameLengthVolatile(f.np.Log().Term(0), 0), "first term cleaned")
	assert.NotZero(t, logbuffer.FrameLengthVolatile(f.np.Log().Term(1), 0), "retained term untouched")
}
