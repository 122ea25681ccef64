package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/semwire/errors"
)

// MetricsRegistrar registers component-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(component, metricName string, counter prometheus.Counter) error
	RegisterGauge(component, metricName string, gauge prometheus.Gauge) error
	RegisterCounterVec(component, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(component, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterCollector(component, metricName string, c prometheus.Collector) error
	Unregister(component, metricName string) bool
}

// Metrics are the driver-level gauges that are not simple counters
type Metrics struct {
	Publications    prometheus.Gauge
	Subscriptions   prometheus.Gauge
	Images          prometheus.Gauge
	PublisherLimit  *prometheus.GaugeVec
	SenderPosition  *prometheus.GaugeVec
	ImagePosition   *prometheus.GaugeVec
	ConnectionState *prometheus.GaugeVec
}

// NewMetrics creates the driver gauges
func NewMetrics() *Metrics {
	return &Metrics{
		Publications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "driver", Name: "publications",
			Help: "Active network publications",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "driver", Name: "subscriptions",
			Help: "Active subscriptions",
		}),
		Images: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "driver", Name: "images",
			Help: "Active publication images",
		}),
		PublisherLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "publication", Name: "limit",
			Help: "Position a publisher may write up to",
		}, []string{"stream", "session"}),
		SenderPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "publication", Name: "sender_position",
			Help: "Position sent to the network",
		}, []string{"stream", "session"}),
		ImagePosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "image", Name: "rebuild_position",
			Help: "Contiguous position rebuilt by an image",
		}, []string{"stream", "session"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semwire", Subsystem: "image", Name: "state",
			Help: "Image state (0=pending 1=connected 2=simulated 3=disconnected 4=linger 5=closed)",
		}, []string{"stream", "session"}),
	}
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	counters           *SystemCounters
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a registry holding the driver gauges, the system
// counters and the Go runtime collectors
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		counters:           NewSystemCounters(),
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	r.prometheusRegistry.MustRegister(
		r.Metrics.Publications,
		r.Metrics.Subscriptions,
		r.Metrics.Images,
		r.Metrics.PublisherLimit,
		r.Metrics.SenderPosition,
		r.Metrics.ImagePosition,
		r.Metrics.ConnectionState,
	)
	r.prometheusRegistry.MustRegister(r.counters.Collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Counters returns the system counters exported by this registry
func (r *MetricsRegistry) Counters() *SystemCounters {
	return r.counters
}

// RegisterCounter registers a counter metric for a component
func (r *MetricsRegistry) RegisterCounter(component, metricName string, counter prometheus.Counter) error {
	return r.register(component, metricName, counter, "RegisterCounter")
}

// RegisterGauge registers a gauge metric for a component
func (r *MetricsRegistry) RegisterGauge(component, metricName string, gauge prometheus.Gauge) error {
	return r.register(component, metricName, gauge, "RegisterGauge")
}

// RegisterCounterVec registers a counter vector metric for a component
func (r *MetricsRegistry) RegisterCounterVec(component, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(component, metricName, counterVec, "RegisterCounterVec")
}

// RegisterGaugeVec registers a gauge vector metric for a component
func (r *MetricsRegistry) RegisterGaugeVec(component, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(component, metricName, gaugeVec, "RegisterGaugeVec")
}

// RegisterCollector registers any collector, such as a CounterFunc, for a component
func (r *MetricsRegistry) RegisterCollector(component, metricName string, c prometheus.Collector) error {
	return r.register(component, metricName, c, "RegisterCollector")
}

func (r *MetricsRegistry) register(component, metricName string, c prometheus.Collector, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, metricName)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", metricName, component),
			"MetricsRegistry", op, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", op,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", op, "register with prometheus")
	}

	r.registeredMetrics[key] = c
	return nil
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(component, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}
	return success
}
