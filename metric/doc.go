// Package metric provides the driver's Prometheus metrics: a registry for collectors,
// the system counters every agent updates, and an HTTP server exposing them.
//
// # System Counters
//
// SystemCounters are plain atomics so the hot paths pay only an atomic add. Each counter
// is also exported to Prometheus through a CounterFunc that reads the atomic at scrape
// time, so no Prometheus call happens on the data path:
//
//	registry := metric.NewMetricsRegistry()
//	counters := registry.Counters()
//	counters.BytesSent.Add(int64(n))
//
// Tests that do not care about Prometheus use NewSystemCounters directly.
//
// # Server
//
//	server := metric.NewServer(9090, "/metrics", registry, healthFn)
//	go server.Start()
//	defer server.Stop()
//
// The server serves the registry at the configured path and a JSON health document at
// /health.
package metric
