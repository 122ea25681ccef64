package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semwire/metric"
)

// registerRingMetrics exports stats through collectors that read them at scrape time.
func registerRingMetrics(registry *metric.MetricsRegistry, prefix string, stats *Statistics, size func() int) error {
	labels := prometheus.Labels{"component": prefix}
	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"ring_writes", prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "semwire", Subsystem: "ring", Name: "writes_total", ConstLabels: labels,
			Help: "Items accepted by the ring",
		}, func() float64 { return float64(stats.Writes()) })},
		{"ring_reads", prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "semwire", Subsystem: "ring", Name: "reads_total", ConstLabels: labels,
			Help: "Items removed from the ring",
		}, func() float64 { return float64(stats.Reads()) })},
		{"ring_drops", prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "semwire", Subsystem: "ring", Name: "drops_total", ConstLabels: labels,
			Help: "Items rejected because the ring was full",
		}, func() float64 { return float64(stats.Drops()) })},
		{"ring_size", prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "ring", Name: "size", ConstLabels: labels,
			Help: "Items currently queued",
		}, func() float64 { return float64(size()) })},
	}
	for _, c := range collectors {
		if err := registry.RegisterCollector(prefix, c.name, c.c); err != nil {
			return err
		}
	}
	return nil
}
