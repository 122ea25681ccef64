// Package config loads the semwire driver configuration.
//
// Configuration starts from Default, is overlaid by JSON or YAML layers, then by
// SEMWIRE_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/driver.yaml")
//	loader.AddLayer("configs/production.json") // overrides the yaml layer
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// With validation enabled each layer is checked against the embedded JSON schema
// (see Schema) and the merged result with Config.Validate. Durations are Go duration
// strings ("10ms", "2s") or integer nanoseconds.
//
// # Environment Variable Overrides
//
//	SEMWIRE_TERM_BUFFER_LENGTH, SEMWIRE_MTU, SEMWIRE_INITIAL_WINDOW,
//	SEMWIRE_THREADING_MODE, SEMWIRE_IDLE_STRATEGY, SEMWIRE_SPIES_SIMULATE_CONNECTION,
//	SEMWIRE_METRICS_PORT, SEMWIRE_ERROR_SINK_NATS_URL
//
// # Security
//
// Files are size-limited (10MB), JSON nesting is capped at 100 levels, paths may not
// traverse out of the working directory and only regular .json, .yaml and .yml files
// are read.
package config
