package metric

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	v atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// SystemCounters are the driver-wide transport counters.
type SystemCounters struct {
	BytesSent                Counter
	BytesReceived            Counter
	DataFramesSent           Counter
	DataFramesReceived       Counter
	HeartbeatsSent           Counter
	HeartbeatsReceived       Counter
	SetupsSent               Counter
	StatusMessagesSent       Counter
	StatusMessagesReceived   Counter
	NaksSent                 Counter
	NaksReceived             Counter
	Retransmits              Counter
	RetransmittedBytes       Counter
	StaleRetransmits         Counter
	InvalidFrames            Counter
	FlowControlUnderRuns     Counter
	FlowControlOverRuns      Counter
	BackPressureEvents       Counter
	ShortSends               Counter
	ReceiverTimeouts         Counter
	ImagesCreated            Counter
	ImagesClosed             Counter
	Errors                   Counter
	DroppedDatagrams         Counter
	ConductorCommandsDropped Counter
}

// NewSystemCounters returns zeroed counters.
func NewSystemCounters() *SystemCounters {
	return &SystemCounters{}
}

// Snapshot returns the counters keyed by their exported metric name.
func (s *SystemCounters) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for _, d := range s.descriptors() {
		out[d.name] = d.counter.Load()
	}
	return out
}

type counterDescriptor struct {
	name    string
	help    string
	counter *Counter
}

func (s *SystemCounters) descriptors() []counterDescriptor {
	return []counterDescriptor{
		{"bytes_sent_total", "Bytes sent on the wire", &s.BytesSent},
		{"bytes_received_total", "Bytes received from the wire", &s.BytesReceived},
		{"data_frames_sent_total", "Data frames sent", &s.DataFramesSent},
		{"data_frames_received_total", "Data frames received", &s.DataFramesReceived},
		{"heartbeats_sent_total", "Heartbeat frames sent", &s.HeartbeatsSent},
		{"heartbeats_received_total", "Heartbeat frames received", &s.HeartbeatsReceived},
		{"setups_sent_total", "Setup frames sent", &s.SetupsSent},
		{"status_messages_sent_total", "Status messages sent", &s.StatusMessagesSent},
		{"status_messages_received_total", "Status messages received", &s.StatusMessagesReceived},
		{"naks_sent_total", "Naks sent", &s.NaksSent},
		{"naks_received_total", "Naks received", &s.NaksReceived},
		{"retransmits_total", "Retransmit actions performed", &s.Retransmits},
		{"retransmitted_bytes_total", "Bytes resent in response to naks", &s.RetransmittedBytes},
		{"stale_retransmits_total", "Retransmit requests outside the retained window", &s.StaleRetransmits},
		{"invalid_frames_total", "Malformed or undersized frames dropped", &s.InvalidFrames},
		{"flow_control_under_runs_total", "Frames dropped behind the consumption position", &s.FlowControlUnderRuns},
		{"flow_control_over_runs_total", "Frames dropped beyond the receiver window", &s.FlowControlOverRuns},
		{"back_pressure_events_total", "Offers rejected by the position limit", &s.BackPressureEvents},
		{"short_sends_total", "Datagrams not fully written", &s.ShortSends},
		{"receiver_timeouts_total", "Flow control receivers expired", &s.ReceiverTimeouts},
		{"images_created_total", "Images created", &s.ImagesCreated},
		{"images_closed_total", "Images closed", &s.ImagesClosed},
		{"errors_total", "Errors reported to the error sink", &s.Errors},
		{"dropped_datagrams_total", "Datagrams dropped because the receive ring was full", &s.DroppedDatagrams},
		{"conductor_commands_dropped_total", "Conductor commands dropped because the queue was full", &s.ConductorCommandsDropped},
	}
}

// Collectors returns one CounterFunc per counter, read at scrape time.
func (s *SystemCounters) Collectors() []prometheus.Collector {
	descs := s.descriptors()
	out := make([]prometheus.Collector, 0, len(descs))
	for _, d := range descs {
		c := d.counter
		out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "semwire",
			Subsystem: "driver",
			Name:      d.name,
			Help:      d.help,
		}, func() float64 { return float64(c.Load()) }))
	}
	return out
}
