package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAgent(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		err     error
		want    string
	}{
		{name: "running without errors", running: true, want: "healthy"},
		{name: "running with errors", running: true, err: errors.New("send failed"), want: "degraded"},
		{name: "stopped", running: false, want: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromAgent("sender", tt.running, tt.err, &Metrics{WorkCount: 3})
			assert.Equal(t, tt.want, s.Status)
			assert.Equal(t, "sender", s.Component)
			require.NotNil(t, s.Metrics)
			assert.Equal(t, int64(3), s.Metrics.WorkCount)
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	got := sanitizeErrorMessage("send to udp://10.0.0.1:40456 failed via 192.168.1.7:9000")
	assert.NotContains(t, got, "10.0.0.1")
	assert.NotContains(t, got, "192.168.1.7")
	assert.Contains(t, got, "[URL]")
	assert.Contains(t, got, "[ADDR]")
	assert.Empty(t, sanitizeErrorMessage(""))
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("driver", nil).IsHealthy())

	healthy := NewHealthy("a", "ok")
	degraded := NewDegraded("b", "slow")
	unhealthy := NewUnhealthy("c", "down")

	assert.True(t, Aggregate("driver", []Status{healthy, healthy}).IsHealthy())
	assert.True(t, Aggregate("driver", []Status{healthy, degraded}).IsDegraded())
	agg := Aggregate("driver", []Status{degraded, unhealthy})
	assert.True(t, agg.IsUnhealthy())
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.Update("sender", NewHealthy("", "ok"))
	m.Update("receiver", NewDegraded("", "naks"))

	s, ok := m.Get("sender")
	require.True(t, ok)
	assert.Equal(t, "sender", s.Component)
	assert.False(t, s.Timestamp.IsZero())

	agg := m.AggregateHealth("driver")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "receiver", agg.SubStatuses[0].Component)

	m.Remove("receiver")
	assert.True(t, m.AggregateHealth("driver").IsHealthy())
	assert.Len(t, m.GetAll(), 1)
}
