package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/semwire/errors"
)

// DefaultEnvPrefix prefixes the environment overrides.
const DefaultEnvPrefix = "SEMWIRE"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation checks each layer against the schema and the merged result
// with Validate.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, each layer and the environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, err
		}
		if l.validation {
			if err := ValidateDocument(raw); err != nil {
				return nil, errors.WrapInvalid(err, "config", "Load", path)
			}
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "marshal merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads a JSON or YAML layer into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse yaml "+path)
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "check json "+path)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse json "+path)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "marshal defaults")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "config", "Load", "unmarshal defaults")
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := checkEnvValue(key, val); err != nil {
			return "", false, errors.WrapInvalid(err, "config", "applyEnvOverrides", key)
		}
		return val, true, nil
	}
	ints := map[string]*int{
		"TERM_BUFFER_LENGTH": &cfg.Driver.TermBufferLength,
		"MTU":                &cfg.Driver.MTU,
		"INITIAL_WINDOW":     &cfg.Driver.InitialWindow,
		"METRICS_PORT":       &cfg.Metrics.Port,
	}
	for name, dst := range ints {
		val, ok, err := lookup(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*dst = n
	}

	strs := map[string]*string{
		"THREADING_MODE":      &cfg.Driver.ThreadingMode,
		"IDLE_STRATEGY":       &cfg.Driver.IdleStrategy,
		"ERROR_SINK_NATS_URL": &cfg.ErrorSink.NATSURL,
	}
	for name, dst := range strs {
		val, ok, err := lookup(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	val, ok, err := lookup("SPIES_SIMULATE_CONNECTION")
	if err != nil {
		return err
	}
	if ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_SPIES_SIMULATE_CONNECTION")
		}
		cfg.Driver.SpiesSimulateConnection = b
	}
	return nil
}
