// Package main runs a standalone semwire media driver. It opens the publications
// and subscriptions named in its configuration, serves /metrics and /health, and
// reports agent errors to the log and optionally to NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c360/semwire/capture"
	"github.com/c360/semwire/config"
	"github.com/c360/semwire/driver"
	"github.com/c360/semwire/errsink"
	"github.com/c360/semwire/image"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
	"github.com/c360/semwire/pkg/agent"
	"github.com/c360/semwire/publication"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semwire"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := metric.NewMetricsRegistry()
	sink, closeSink := setupErrorSink(cfg.ErrorSink, logger)
	defer closeSink()

	network, closeCapture, err := setupNetwork(cliCfg.CapturePath, cfg.Driver, registry.Counters(), logger)
	if err != nil {
		return err
	}
	defer closeCapture()

	d, err := driver.New(driver.Context{
		Config:    cfg.Driver,
		Logger:    logger,
		Registry:  registry,
		ErrorSink: sink,
		Network:   network,
	})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	return runWithSignalHandling(context.Background(), d, cfg, registry, cliCfg, logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting semwire media driver",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig merges the defaults, the optional file and SEMWIRE_* overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupErrorSink logs every agent error and, when a NATS URL is configured, also
// publishes it. The fan-out is rate limited per source.
func setupErrorSink(cfg config.ErrorSink, logger *slog.Logger) (errsink.Sink, func()) {
	sinks := errsink.Multi{errsink.NewLogSink(logger)}
	closeFn := func() {}

	if cfg.NATSURL != "" {
		natsSink, err := errsink.ConnectNATS(cfg.NATSURL, cfg.Subject, appName, logger)
		if err != nil {
			slog.Warn("NATS error sink unavailable, logging only", "url", cfg.NATSURL, "error", err)
		} else {
			slog.Info("Publishing agent errors to NATS", "url", cfg.NATSURL, "subject", cfg.Subject)
			sinks = append(sinks, natsSink)
			closeFn = func() {
				if err := natsSink.Close(); err != nil {
					slog.Warn("Close NATS error sink", "error", err)
				}
			}
		}
	}

	if cfg.RatePerSecond <= 0 {
		return sinks, closeFn
	}
	return errsink.NewRateLimited(sinks, cfg.RatePerSecond, cfg.Burst), closeFn
}

// setupNetwork opens real UDP sockets, recorded to a pcap file when path is set.
func setupNetwork(path string, cfg config.Driver, counters *metric.SystemCounters, logger *slog.Logger) (media.Network, func(), error) {
	udp := media.DefaultUDPConfig()
	udp.SocketBufferSize = cfg.SocketBufferSize
	udp.RingCapacity = cfg.RingCapacity
	network := media.NewUDPNetwork(udp, media.Deps{Counters: counters, Logger: logger})
	if path == "" {
		return network, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create capture file: %w", err)
	}
	w, err := capture.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	slog.Info("Recording traffic", "path", path)
	return capture.NewTap(network, w, nil, logger), func() {
		if err := f.Close(); err != nil {
			slog.Warn("Close capture file", "error", err)
		}
	}, nil
}

// runWithSignalHandling starts the driver and its streams and waits for a signal.
func runWithSignalHandling(
	ctx context.Context,
	d *driver.Driver,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	cliCfg *CLIConfig,
	logger *slog.Logger,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}

	var server *metric.Server
	if cfg.Metrics.Port != 0 {
		server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, d.Health)
		go func() {
			if err := server.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Serving metrics", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	streams, err := openStreams(signalCtx, d, cfg, logger)
	if err != nil {
		_ = d.Close()
		return err
	}

	var wg sync.WaitGroup
	for _, m := range streams.monitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.run(signalCtx, cfg.Driver.IdleStrategy)
		}()
	}
	if cliCfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logStats(signalCtx, d, cliCfg.StatsInterval)
		}()
	}

	slog.Info("semwire driver started",
		"publications", len(streams.publications),
		"subscriptions", len(streams.monitors))

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	streams.close()
	if err := d.Close(); err != nil {
		slog.Error("Error closing driver", "error", err)
	}
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			slog.Warn("Error stopping metrics server", "error", err)
		}
	}

	slog.Info("semwire shutdown complete")
	return nil
}

type openedStreams struct {
	publications []*publication.Publication
	monitors     []*monitor
}

func (s *openedStreams) close() {
	for _, p := range s.publications {
		_ = p.Close()
	}
	for _, m := range s.monitors {
		_ = m.sub.Close()
	}
}

func openStreams(ctx context.Context, d *driver.Driver, cfg *config.Config, logger *slog.Logger) (*openedStreams, error) {
	s := &openedStreams{}
	for _, p := range cfg.Publications {
		pub, err := d.AddPublication(ctx, p.Channel, p.StreamID)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("add publication %s stream %d: %w", p.Channel, p.StreamID, err)
		}
		slog.Info("Publication open", "channel", p.Channel, "stream_id", p.StreamID,
			"session_id", pub.SessionID(), "registration_id", pub.RegistrationID())
		s.publications = append(s.publications, pub)
	}
	for _, sc := range cfg.Subscriptions {
		sub, err := d.AddSubscription(ctx, sc.Channel, sc.StreamID)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("add subscription %s stream %d: %w", sc.Channel, sc.StreamID, err)
		}
		s.monitors = append(s.monitors, newMonitor(sub, logger))
	}
	return s, nil
}

// monitor drains a subscription and counts what it delivers.
type monitor struct {
	sub      *image.Subscription
	logger   *slog.Logger
	messages atomic.Int64
	bytes    atomic.Int64
}

func newMonitor(sub *image.Subscription, logger *slog.Logger) *monitor {
	return &monitor{
		sub:    sub,
		logger: logger.With("component", "monitor", "channel", sub.Channel(), "stream_id", sub.StreamID()),
	}
}

func (m *monitor) run(ctx context.Context, idleStrategy string) {
	idle := agent.NewIdleStrategy(idleStrategy)
	asm := logbuffer.NewFragmentAssembler(func(payload []byte, _ *logbuffer.Header) {
		m.messages.Add(1)
		m.bytes.Add(int64(len(payload)))
	}, 0)
	images := 0
	for ctx.Err() == nil {
		idle.Idle(m.sub.Poll(asm.OnFragment, 64))
		if n := m.sub.ImageCount(); n != images {
			m.logger.Info("Images changed", "images", n, "connected", m.sub.IsConnected(),
				"messages", m.messages.Load(), "bytes", m.bytes.Load())
			images = n
		}
	}
}

func logStats(ctx context.Context, d *driver.Driver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{"health", d.Health().Status}
			for name, v := range d.Counters().Snapshot() {
				if v != 0 {
					attrs = append(attrs, name, v)
				}
			}
			slog.Info("Driver counters", attrs...)
		}
	}
}
