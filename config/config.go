package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/protocol"
)

// Threading modes.
const (
	// ThreadingDedicated runs the conductor, sender and receiver on their own goroutines.
	ThreadingDedicated = "dedicated"
	// ThreadingShared runs all three agents in one duty cycle.
	ThreadingShared = "shared"
	// ThreadingInvoker runs no goroutines; the embedding program calls Driver.DoWork.
	ThreadingInvoker = "invoker"
)

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(x))
	default:
		return fmt.Errorf("duration must be a string or nanoseconds, got %T", v)
	}
	return nil
}

// Config is the complete driver process configuration.
type Config struct {
	Driver        Driver    `json:"driver"`
	Metrics       Metrics   `json:"metrics"`
	ErrorSink     ErrorSink `json:"error_sink"`
	Publications  []Stream  `json:"publications,omitempty"`
	Subscriptions []Stream  `json:"subscriptions,omitempty"`
}

// Driver holds the transport tunables.
type Driver struct {
	TermBufferLength     int `json:"term_buffer_length"`
	MTU                  int `json:"mtu"`
	InitialWindow        int `json:"initial_window"`
	SocketBufferSize     int `json:"socket_buffer_size"`
	RingCapacity         int `json:"ring_capacity"`
	CommandQueueCapacity int `json:"command_queue_capacity"`

	TimerInterval                Duration `json:"timer_interval"`
	HeartbeatInterval            Duration `json:"heartbeat_interval"`
	SetupInterval                Duration `json:"setup_interval"`
	StatusMessageTimeout         Duration `json:"status_message_timeout"`
	ImageLivenessTimeout         Duration `json:"image_liveness_timeout"`
	ImageLinger                  Duration `json:"image_linger"`
	ReceiverTimeout              Duration `json:"receiver_timeout"`
	PublicationConnectionTimeout Duration `json:"publication_connection_timeout"`
	PublicationLinger            Duration `json:"publication_linger"`
	// PublicationDrainTimeout bounds how long a closing publication waits for spies.
	PublicationDrainTimeout      Duration `json:"publication_drain_timeout"`
	NakDelay                     Duration `json:"nak_delay"`
	NakRetryTimeout              Duration `json:"nak_retry_timeout"`
	RetransmitLinger             Duration `json:"retransmit_linger"`
	MaxRetransmits               int      `json:"max_retransmits"`

	SpiesSimulateConnection bool   `json:"spies_simulate_connection"`
	ThreadingMode           string `json:"threading_mode"`
	IdleStrategy            string `json:"idle_strategy"`
}

// Metrics configures the /metrics and /health endpoint.
type Metrics struct {
	// Port 0 disables the endpoint.
	Port int    `json:"port"`
	Path string `json:"path"`
}

// ErrorSink configures where agent errors are reported besides the log.
type ErrorSink struct {
	NATSURL       string  `json:"nats_url,omitempty"`
	Subject       string  `json:"subject,omitempty"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

// Stream names a publication or subscription the driver process opens at start.
type Stream struct {
	Channel  string `json:"channel"`
	StreamID int32  `json:"stream_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Driver: DefaultDriver(),
		Metrics: Metrics{
			Port: 9090,
			Path: "/metrics",
		},
		ErrorSink: ErrorSink{
			Subject:       "semwire.errors",
			RatePerSecond: 10,
			Burst:         20,
		},
	}
}

// DefaultDriver returns the default transport tunables.
func DefaultDriver() Driver {
	return Driver{
		TermBufferLength:             1 << 20,
		MTU:                          1408,
		InitialWindow:                128 * 1024,
		SocketBufferSize:             2 << 20,
		RingCapacity:                 4096,
		CommandQueueCapacity:         1024,
		TimerInterval:                Duration(10 * time.Millisecond),
		HeartbeatInterval:            Duration(100 * time.Millisecond),
		SetupInterval:                Duration(100 * time.Millisecond),
		StatusMessageTimeout:         Duration(200 * time.Millisecond),
		ImageLivenessTimeout:         Duration(10 * time.Second),
		ImageLinger:                  Duration(time.Second),
		ReceiverTimeout:              Duration(2 * time.Second),
		PublicationConnectionTimeout: Duration(5 * time.Second),
		PublicationLinger:            Duration(time.Second),
		PublicationDrainTimeout:      Duration(10 * time.Second),
		NakDelay:                     Duration(time.Millisecond),
		NakRetryTimeout:              Duration(50 * time.Millisecond),
		RetransmitLinger:             Duration(20 * time.Millisecond),
		MaxRetransmits:               16,
		ThreadingMode:                ThreadingDedicated,
		IdleStrategy:                 "backoff",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Driver.Validate(); err != nil {
		return err
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Metrics.Port > 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path must start with /")
	}
	if c.ErrorSink.RatePerSecond < 0 || c.ErrorSink.Burst < 0 {
		return invalid("error_sink rate and burst must not be negative")
	}
	for i, s := range c.Publications {
		if err := s.validate(fmt.Sprintf("publications[%d]", i)); err != nil {
			return err
		}
	}
	for i, s := range c.Subscriptions {
		if err := s.validate(fmt.Sprintf("subscriptions[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the transport tunables.
func (d *Driver) Validate() error {
	if err := logbuffer.CheckTermLength(d.TermBufferLength); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "driver.term_buffer_length")
	}
	if d.MTU < protocol.DataHeaderLength+protocol.FrameAlignment || d.MTU%protocol.FrameAlignment != 0 ||
		d.MTU > media.MaxDatagramLength {
		return invalid(fmt.Sprintf("driver.mtu %d must be a multiple of %d between %d and %d",
			d.MTU, protocol.FrameAlignment, protocol.DataHeaderLength+protocol.FrameAlignment, media.MaxDatagramLength))
	}
	if d.InitialWindow <= 0 {
		return invalid("driver.initial_window must be positive")
	}
	if d.RingCapacity <= 0 || d.CommandQueueCapacity <= 0 {
		return invalid("driver.ring_capacity and driver.command_queue_capacity must be positive")
	}
	if d.MaxRetransmits <= 0 {
		return invalid("driver.max_retransmits must be positive")
	}

	timers := map[string]Duration{
		"timer_interval":                 d.TimerInterval,
		"heartbeat_interval":             d.HeartbeatInterval,
		"setup_interval":                 d.SetupInterval,
		"status_message_timeout":         d.StatusMessageTimeout,
		"image_liveness_timeout":         d.ImageLivenessTimeout,
		"receiver_timeout":               d.ReceiverTimeout,
		"publication_connection_timeout": d.PublicationConnectionTimeout,
		"publication_drain_timeout":      d.PublicationDrainTimeout,
		"nak_retry_timeout":              d.NakRetryTimeout,
	}
	for name, v := range timers {
		if v <= 0 {
			return invalid("driver." + name + " must be positive")
		}
	}
	for name, v := range map[string]Duration{
		"image_linger":       d.ImageLinger,
		"publication_linger": d.PublicationLinger,
		"nak_delay":          d.NakDelay,
		"retransmit_linger":  d.RetransmitLinger,
	} {
		if v < 0 {
			return invalid("driver." + name + " must not be negative")
		}
	}

	switch d.ThreadingMode {
	case ThreadingDedicated, ThreadingShared, ThreadingInvoker:
	default:
		return invalid(fmt.Sprintf("driver.threading_mode %q must be %q, %q or %q",
			d.ThreadingMode, ThreadingDedicated, ThreadingShared, ThreadingInvoker))
	}
	return nil
}

// EffectiveWindow is the initial window clamped to half a term.
func (d *Driver) EffectiveWindow(termLength int) int {
	return min(d.InitialWindow, logbuffer.TermWindowLength(termLength))
}

func (s Stream) validate(field string) error {
	if _, err := media.ParseChannel(s.Channel); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", field+".channel")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.Publications = append([]Stream(nil), c.Publications...)
	clone.Subscriptions = append([]Stream(nil), c.Subscriptions...)
	return &clone
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "config", "SaveToFile", "marshal")
	}
	return writeConfigFile(path, data)
}
