package buffer

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semwire/metric"
)

func TestRing_CapacityRoundsUp(t *testing.T) {
	r, err := NewRing[int](100)
	require.NoError(t, err)
	assert.Equal(t, 128, r.Capacity())

	r, err = NewRing[int](0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Capacity())
}

func TestRing_FIFO(t *testing.T) {
	r, err := NewRing[int](8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, r.Offer(i))
	}
	assert.Equal(t, 5, r.Size())

	var got []int
	n := r.Drain(func(v int) { got = append(got, v) }, 3)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0, 1, 2}, got)

	v, ok := r.Poll()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	v, ok = r.Poll()
	require.True(t, ok)
	assert.Equal(t, 4, v)

	_, ok = r.Poll()
	assert.False(t, ok)
	assert.Zero(t, r.Size())
}

func TestRing_FullDropsAndCallsBack(t *testing.T) {
	var dropped []string
	r, err := NewRing[string](2, WithDropCallback[string](func(s string) {
		dropped = append(dropped, s)
	}))
	require.NoError(t, err)

	assert.True(t, r.Offer("a"))
	assert.True(t, r.Offer("b"))
	assert.False(t, r.Offer("c"))
	assert.Equal(t, []string{"c"}, dropped)
	assert.Equal(t, int64(1), r.Stats().Drops())
	assert.Equal(t, int64(2), r.Stats().Writes())

	r.Poll()
	assert.True(t, r.Offer("d"), "slot is reusable after a poll")
}

func TestRing_WrapsManyLaps(t *testing.T) {
	r, err := NewRing[int](4)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.True(t, r.Offer(i))
		v, ok := r.Poll()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	assert.Equal(t, int64(1000), r.Stats().Reads())
}

func TestRing_ConcurrentProducers(t *testing.T) {
	r, err := NewRing[int](1024)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Offer(base + i) {
				}
			}
		}(p * perProducer)
	}
	wg.Wait()

	var got []int
	r.Drain(func(v int) { got = append(got, v) }, producers*perProducer+1)
	require.Len(t, got, producers*perProducer)
	sort.Ints(got)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRing_WithMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	r, err := NewRing[int](4, WithMetrics[int](reg, "receiver_datagrams"))
	require.NoError(t, err)
	r.Offer(1)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "semwire_ring_writes_total" {
			found = true
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)

	_, err = NewRing[int](4, WithMetrics[int](reg, "receiver_datagrams"))
	assert.Error(t, err, "duplicate prefix")
}
