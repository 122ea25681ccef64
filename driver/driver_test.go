package driver

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semwire/config"
	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/errsink"
	"github.com/c360/semwire/image"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
	"github.com/c360/semwire/protocol"
	"github.com/c360/semwire/publication"
)

const (
	unicastChannel   = "udp://127.0.0.1:7100"
	multicastChannel = "udp://224.0.1.1:40456"
	streamID         = 1001
)

func testConfig() config.Driver {
	d := config.DefaultDriver()
	d.TermBufferLength = 64 * 1024
	d.ThreadingMode = config.ThreadingInvoker
	d.PublicationConnectionTimeout = config.Duration(50 * time.Millisecond)
	d.StatusMessageTimeout = config.Duration(20 * time.Millisecond)
	d.ReceiverTimeout = config.Duration(100 * time.Millisecond)
	d.ImageLivenessTimeout = config.Duration(500 * time.Millisecond)
	d.ImageLinger = config.Duration(20 * time.Millisecond)
	d.PublicationLinger = config.Duration(200 * time.Millisecond)
	return d
}

// harness drives an invoker-mode driver over the loopback hub with a mock clock.
type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock.Mock
	hub      *media.Hub
	counters *metric.SystemCounters
	d        *Driver
	onTick   []func()
}

func newHarness(t *testing.T, mutate func(*config.Driver)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	counters := metric.NewSystemCounters()
	hub := media.NewHub(media.Deps{Counters: counters})
	mock := clock.NewMock()

	d, err := New(Context{
		Config:    cfg,
		Clock:     mock,
		Counters:  counters,
		Network:   hub,
		ErrorSink: errsink.Discard,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { _ = d.Close() })

	return &harness{t: t, ctx: ctx, clock: mock, hub: hub, counters: counters, d: d}
}

// tick runs a few duty cycles, the per-tick hooks, then advances the clock a
// millisecond.
func (h *harness) tick(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		for j := 0; j < 4; j++ {
			_, err := h.d.DoWork(h.ctx)
			require.NoError(h.t, err)
		}
		for _, fn := range h.onTick {
			fn()
		}
		h.clock.Add(time.Millisecond)
	}
}

func (h *harness) until(cond func() bool, maxTicks int, msg string) {
	h.t.Helper()
	for i := 0; i < maxTicks && !cond(); i++ {
		h.tick(1)
	}
	require.True(h.t, cond(), msg)
}

func (h *harness) offer(pub *publication.Publication, payload []byte) {
	h.t.Helper()
	for i := 0; i < 5000; i++ {
		_, err := pub.Offer(payload)
		if err == nil {
			return
		}
		require.True(h.t, errors.IsTransient(err), "offer failed: %v", err)
		h.tick(1)
	}
	h.t.Fatal("offer never succeeded")
}

func (h *harness) publication(channel string) *publication.Publication {
	h.t.Helper()
	pub, err := h.d.AddPublication(h.ctx, channel, streamID)
	require.NoError(h.t, err)
	return pub
}

func (h *harness) subscription(channel string) *image.Subscription {
	h.t.Helper()
	sub, err := h.d.AddSubscription(h.ctx, channel, streamID)
	require.NoError(h.t, err)
	return sub
}

// collector reassembles fragmented messages.
type collector struct {
	msgs [][]byte
	asm  *logbuffer.FragmentAssembler
}

func newCollector() *collector {
	c := &collector{}
	c.asm = logbuffer.NewFragmentAssembler(func(payload []byte, _ *logbuffer.Header) {
		c.msgs = append(c.msgs, bytes.Clone(payload))
	}, 4096)
	return c
}

func (c *collector) poll(sub *image.Subscription, limit int) int {
	return sub.Poll(c.asm.OnFragment, limit)
}

func message(seq, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b, uint32(seq))
	for i := 4; i < size; i++ {
		b[i] = byte(seq + i)
	}
	return b
}

func assertInOrder(t *testing.T, msgs [][]byte, sizes []int) {
	t.Helper()
	require.Len(t, msgs, len(sizes))
	for i, size := range sizes {
		require.Equal(t, message(i, size), msgs[i], "message %d", i)
	}
}

func TestDriver_UnicastDeliversExactlyOnceInOrder(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscription(unicastChannel)
	pub := h.publication(unicastChannel)
	c := newCollector()
	h.onTick = append(h.onTick, func() { c.poll(sub, 10) })

	h.until(func() bool { return pub.IsConnected() && sub.IsConnected() }, 200, "publication connects")

	// Enough data to rotate through every term several times, with messages that
	// need fragmenting.
	sizes := make([]int, 200)
	for i := range sizes {
		sizes[i] = 100 + i
		if i%3 == 0 {
			sizes[i] = 3000
		}
	}
	for i, size := range sizes {
		h.offer(pub, message(i, size))
	}
	h.until(func() bool { return len(c.msgs) >= len(sizes) }, 3000, "all messages delivered")

	assertInOrder(t, c.msgs, sizes)
	assert.Greater(t, pub.Position(), int64(3*64*1024))
	assert.Equal(t, int64(1), h.counters.ImagesCreated.Load())
	assert.Zero(t, h.counters.FlowControlOverRuns.Load())
}

func TestDriver_NakRecoversDroppedDatagrams(t *testing.T) {
	h := newHarness(t, nil)
	dataDatagrams := 0
	dropped := 0
	h.hub.SetLoss(func(data []byte, _, _ *net.UDPAddr) bool {
		if len(data) <= protocol.DataHeaderLength || protocol.FrameType(data) != protocol.TypeData {
			return false
		}
		dataDatagrams++
		switch dataDatagrams {
		case 5, 9, 20:
			dropped++
			return true
		}
		return false
	})

	sub := h.subscription(unicastChannel)
	pub := h.publication(unicastChannel)
	c := newCollector()
	h.onTick = append(h.onTick, func() { c.poll(sub, 10) })
	h.until(pub.IsConnected, 200, "publication connects")

	sizes := make([]int, 200)
	for i := range sizes {
		sizes[i] = 200
		h.offer(pub, message(i, sizes[i]))
	}
	h.until(func() bool { return len(c.msgs) >= len(sizes) }, 3000, "all messages delivered")

	assertInOrder(t, c.msgs, sizes)
	assert.Equal(t, 3, dropped)
	assert.GreaterOrEqual(t, h.counters.NaksSent.Load(), int64(3))
	assert.GreaterOrEqual(t, h.counters.Retransmits.Load(), int64(3))
}

func TestDriver_SpySimulatesConnectionWhenEnabled(t *testing.T) {
	h := newHarness(t, func(d *config.Driver) { d.SpiesSimulateConnection = true })
	spy := h.subscription("spy:" + unicastChannel)
	pub := h.publication(unicastChannel)
	require.Equal(t, 1, spy.ImageCount())

	c := newCollector()
	h.onTick = append(h.onTick, func() { c.poll(spy, 10) })
	h.until(pub.IsConnected, 200, "spy simulates a connection")

	sizes := make([]int, 20)
	for i := range sizes {
		sizes[i] = 64
		h.offer(pub, message(i, sizes[i]))
	}
	h.until(func() bool { return len(c.msgs) >= len(sizes) }, 500, "spy receives every message")
	assertInOrder(t, c.msgs, sizes)
	assert.Equal(t, "spy", spy.Images()[0].SourceIdentity())
}

func TestDriver_SpyNeverConnectsWhenSimulationDisabled(t *testing.T) {
	h := newHarness(t, nil)
	spy := h.subscription("spy:" + unicastChannel)
	pub := h.publication(unicastChannel)

	h.tick(300)
	assert.False(t, pub.IsConnected())
	assert.False(t, spy.IsConnected())
	_, err := pub.Offer([]byte("hello"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestDriver_SpyAndSlowSubscriberOnMulticast(t *testing.T) {
	h := newHarness(t, func(d *config.Driver) { d.SpiesSimulateConnection = true })
	network := h.subscription(multicastChannel)
	spy := h.subscription("spy:" + multicastChannel)
	pub := h.publication(multicastChannel)

	realMsgs, spyMsgs := newCollector(), newCollector()
	ticks := 0
	h.onTick = append(h.onTick, func() {
		ticks++
		spyMsgs.poll(spy, 10)
		if ticks%3 == 0 {
			realMsgs.poll(network, 1)
		}
	})
	h.until(func() bool { return pub.IsConnected() && network.IsConnected() }, 200, "both subscribers connect")

	const n = 192
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = 200
		h.offer(pub, message(i, sizes[i]))
	}
	h.until(func() bool { return len(realMsgs.msgs) >= n && len(spyMsgs.msgs) >= n }, 5000,
		"both subscribers receive every message")

	assertInOrder(t, spyMsgs.msgs, sizes)
	assertInOrder(t, realMsgs.msgs, sizes)
}

func TestDriver_SpyContinuesAfterRealSubscriberLeaves(t *testing.T) {
	h := newHarness(t, func(d *config.Driver) { d.SpiesSimulateConnection = true })
	network := h.subscription(multicastChannel)
	spy := h.subscription("spy:" + multicastChannel)
	pub := h.publication(multicastChannel)

	const n = 192
	realMsgs, spyMsgs := newCollector(), newCollector()
	h.onTick = append(h.onTick, func() {
		spyMsgs.poll(spy, 10)
		if !network.IsClosed() {
			realMsgs.poll(network, 10)
			if len(realMsgs.msgs) >= n/8 {
				require.NoError(t, network.Close())
			}
		}
	})
	h.until(func() bool { return pub.IsConnected() && network.IsConnected() }, 200, "both subscribers connect")

	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = 200
		h.offer(pub, message(i, sizes[i]))
	}
	h.until(func() bool { return len(spyMsgs.msgs) >= n }, 5000, "spy receives every message")

	assert.True(t, network.IsClosed())
	assert.GreaterOrEqual(t, len(realMsgs.msgs), n/8)
	assert.Less(t, len(realMsgs.msgs), n)
	assertInOrder(t, spyMsgs.msgs, sizes)
}

func TestDriver_ClosedPublicationEndsStream(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscription(unicastChannel)
	var unavailable []*image.Image
	sub.OnUnavailable = func(img *image.Image) { unavailable = append(unavailable, img) }

	pub := h.publication(unicastChannel)
	c := newCollector()
	h.onTick = append(h.onTick, func() { c.poll(sub, 10) })
	h.until(pub.IsConnected, 200, "publication connects")

	h.offer(pub, message(0, 64))
	h.until(func() bool { return len(c.msgs) == 1 }, 200, "message delivered")
	img := sub.Images()[0]

	require.NoError(t, pub.Close())
	h.until(img.IsEndOfStream, 500, "end of stream reaches the image")
	h.until(func() bool { return sub.ImageCount() == 0 }, 500, "image is retired")

	require.Len(t, unavailable, 1)
	assert.Same(t, img, unavailable[0])
	assert.True(t, img.IsClosed())
	assert.Equal(t, int64(1), h.counters.ImagesClosed.Load())
}

func TestDriver_ClosingPublicationWaitsForSpyToDrain(t *testing.T) {
	h := newHarness(t, func(d *config.Driver) { d.SpiesSimulateConnection = true })
	spy := h.subscription("spy:" + unicastChannel)
	pub := h.publication(unicastChannel)
	h.until(pub.IsConnected, 200, "spy simulates a connection")

	sizes := make([]int, 10)
	for i := range sizes {
		sizes[i] = 64
		h.offer(pub, message(i, sizes[i]))
	}
	require.NoError(t, pub.Close())
	h.tick(400)
	require.Equal(t, 1, spy.ImageCount(), "spy image outlives the linger until drained")

	c := newCollector()
	h.until(func() bool {
		c.poll(spy, 10)
		return len(c.msgs) >= len(sizes)
	}, 100, "spy reads everything published before close")
	assertInOrder(t, c.msgs, sizes)

	h.until(func() bool { return spy.ImageCount() == 0 }, 500, "publication closes once the spy drained")
}

func TestDriver_SpyDrainIsBounded(t *testing.T) {
	h := newHarness(t, func(d *config.Driver) {
		d.SpiesSimulateConnection = true
		d.PublicationDrainTimeout = config.Duration(100 * time.Millisecond)
	})
	spy := h.subscription("spy:" + unicastChannel)
	pub := h.publication(unicastChannel)
	h.until(pub.IsConnected, 200, "spy simulates a connection")

	h.offer(pub, message(0, 64))
	require.NoError(t, pub.Close())
	h.until(func() bool { return spy.ImageCount() == 0 }, 600, "stalled spy does not hold the publication open")
}

func TestDriver_PublicationsShareSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.publication(unicastChannel)
	second := h.publication(unicastChannel)

	assert.Equal(t, first.SessionID(), second.SessionID())
	assert.NotEqual(t, first.RegistrationID(), second.RegistrationID())

	require.NoError(t, first.Close())
	h.tick(300)
	_, err := second.Offer([]byte("still open"))
	assert.False(t, errors.Is(err, errors.ErrClosed))

	third := h.publication(unicastChannel)
	assert.Equal(t, second.SessionID(), third.SessionID())
}

func TestDriver_SubscriptionJoinsExistingImage(t *testing.T) {
	h := newHarness(t, nil)
	first := h.subscription(unicastChannel)
	pub := h.publication(unicastChannel)
	h.until(func() bool { return pub.IsConnected() && first.IsConnected() }, 200, "publication connects")

	second := h.subscription(unicastChannel)
	require.Equal(t, 1, second.ImageCount())
	assert.Equal(t, int64(1), h.counters.ImagesCreated.Load())

	a, b := newCollector(), newCollector()
	h.onTick = append(h.onTick, func() {
		a.poll(first, 10)
		b.poll(second, 10)
	})
	h.offer(pub, message(0, 32))
	h.until(func() bool { return len(a.msgs) == 1 && len(b.msgs) == 1 }, 200, "both subscribers receive")

	h.tick(20)
	status := h.d.Health()
	assert.True(t, status.IsHealthy(), "%+v", status)
	require.Len(t, status.SubStatuses, 2)
	assert.Len(t, status.SubStatuses[1].SubStatuses, 2, "one publication and one image")
}

func TestDriver_Lifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.ThreadingMode = config.ThreadingDedicated
	d, err := New(Context{Config: cfg, Network: media.NewHub(media.Deps{}), ErrorSink: errsink.Discard})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = d.AddPublication(ctx, unicastChannel, streamID)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
	assert.True(t, d.Health().IsUnhealthy())

	_, err = d.DoWork(ctx)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))

	_, err = d.AddPublication(ctx, "spy:"+unicastChannel, streamID)
	assert.True(t, errors.IsInvalid(err))
	_, err = d.AddSubscription(ctx, "tcp://127.0.0.1:1", streamID)
	assert.True(t, errors.IsInvalid(err))

	require.Eventually(t, func() bool { return d.Health().IsHealthy() }, time.Second, time.Millisecond)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, d.Health().IsUnhealthy())

	_, err = d.AddSubscription(ctx, unicastChannel, streamID)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MTU = 100
	_, err := New(Context{Config: cfg})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDriver_UDPLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	channel := "udp://127.0.0.1:" + strconv.Itoa(port)

	cfg := config.DefaultDriver()
	cfg.TermBufferLength = 64 * 1024
	cfg.SocketBufferSize = 0
	d, err := New(Context{Config: cfg, ErrorSink: errsink.Discard})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { _ = d.Close() })

	sub, err := d.AddSubscription(ctx, channel, streamID)
	require.NoError(t, err)
	pub, err := d.AddPublication(ctx, channel, streamID)
	require.NoError(t, err)
	require.Eventually(t, pub.IsConnected, 5*time.Second, time.Millisecond)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			if _, err := pub.OfferContext(ctx, message(i, 128)); err != nil {
				return
			}
		}
	}()

	c := newCollector()
	require.Eventually(t, func() bool {
		c.poll(sub, 10)
		return len(c.msgs) >= n
	}, 5*time.Second, time.Millisecond)

	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = 128
	}
	assertInOrder(t, c.msgs, sizes)
	require.Eventually(t, func() bool { return d.Health().IsHealthy() }, time.Second, 10*time.Millisecond)
}
