// Package driver runs the semwire media driver: a conductor that owns publications,
// subscriptions and images, a sender that moves publication logs onto the network,
// and a receiver that rebuilds images from it.
//
// The three agents run on their own goroutines (dedicated threading), share one
// goroutine (shared), or are driven by the embedding program through DoWork
// (invoker). Client calls are queued to the conductor and answered from its duty
// cycle, so AddPublication and AddSubscription are safe from any goroutine.
//
//	d, err := driver.New(driver.Context{Config: config.DefaultDriver()})
//	if err != nil {
//		return err
//	}
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	pub, err := d.AddPublication(ctx, "udp://127.0.0.1:40123", 10)
//	sub, err := d.AddSubscription(ctx, "udp://127.0.0.1:40123", 10)
package driver

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semwire/config"
	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/errsink"
	"github.com/c360/semwire/health"
	"github.com/c360/semwire/image"
	"github.com/c360/semwire/media"
	"github.com/c360/semwire/metric"
	"github.com/c360/semwire/pkg/agent"
	"github.com/c360/semwire/publication"
)

// Driver is a running media driver.
type Driver struct {
	ctx       Context
	logger    *slog.Logger
	conductor *Conductor
	sender    *Sender
	receiver  *Receiver
	invoker   *agent.Invoker

	mu      sync.Mutex
	runners []*agent.Runner
	group   *errgroup.Group
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New creates a driver. Nothing runs until Start, except in invoker mode where the
// caller drives the agents with DoWork.
func New(c Context) (*Driver, error) {
	ctx, err := c.withDefaults()
	if err != nil {
		return nil, err
	}
	conductor, err := newConductor(ctx)
	if err != nil {
		return nil, err
	}
	sender, err := newSender(ctx)
	if err != nil {
		return nil, err
	}
	receiver, err := newReceiver(ctx, conductor.requestImage)
	if err != nil {
		return nil, err
	}
	conductor.sender = sender
	conductor.receiver = receiver

	d := &Driver{
		ctx:       ctx,
		logger:    ctx.Logger.With("component", "driver"),
		conductor: conductor,
		sender:    sender,
		receiver:  receiver,
	}
	if ctx.Config.ThreadingMode == config.ThreadingInvoker {
		conductor.invoker = true
		d.invoker = agent.NewInvoker(agent.NewComposite("driver", conductor, receiver, sender))
	}
	return d, nil
}

// Start launches the agent runners under an errgroup. A fatal error from any agent
// stops them all. In invoker mode Start only marks the driver started.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "driver", "Start", "start closed driver")
	}
	if d.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "driver", "Start", "start")
	}
	if d.invoker != nil {
		d.started = true
		return nil
	}

	var agents []agent.Agent
	if d.ctx.Config.ThreadingMode == config.ThreadingShared {
		agents = []agent.Agent{agent.NewComposite("driver", d.conductor, d.sender, d.receiver)}
	} else {
		agents = []agent.Agent{d.conductor, d.sender, d.receiver}
	}

	opts := []agent.Option{agent.WithErrorHandler(d.onAgentError)}
	if d.ctx.Registry != nil {
		opts = append(opts, agent.WithMetricsRegistry(d.ctx.Registry))
	}
	runners := make([]*agent.Runner, 0, len(agents))
	for _, a := range agents {
		r, err := agent.NewRunner(a, agent.NewIdleStrategy(d.ctx.Config.IdleStrategy), opts...)
		if err != nil {
			return errors.Wrap(err, "driver", "Start", "create runner "+a.Name())
		}
		runners = append(runners, r)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	d.runners = runners
	d.group = g
	d.cancel = cancel
	d.started = true

	d.logger.Info("Driver started", "threading_mode", d.ctx.Config.ThreadingMode,
		"idle_strategy", d.ctx.Config.IdleStrategy, "term_length", d.ctx.Config.TermBufferLength,
		"mtu", d.ctx.Config.MTU)
	return nil
}

// DoWork runs one duty cycle of every agent. It is only valid in invoker mode.
func (d *Driver) DoWork(ctx context.Context) (int, error) {
	if d.invoker == nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "driver", "DoWork", "threading mode is not invoker")
	}
	n, err := d.invoker.Invoke(ctx)
	if err != nil {
		d.onAgentError("driver", err)
	}
	return n, err
}

// Close stops the agents and closes every endpoint. Publications and subscriptions
// still open are unusable afterwards.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	switch {
	case d.invoker != nil:
		d.invoker.Close()
	case d.started:
		d.cancel()
		err = d.group.Wait()
		if stderrors.Is(err, context.Canceled) {
			err = nil
		}
	default:
		d.conductor.OnClose()
		d.sender.OnClose()
		d.receiver.OnClose()
	}
	d.conductor.closeResources()
	d.logger.Info("Driver closed")
	return err
}

func (d *Driver) ready(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "driver", op, "driver closed")
	}
	if !d.started && d.invoker == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "driver", op, "driver not started")
	}
	return nil
}

// AddPublication returns a publication on channel for streamID. Publications added
// with the same channel endpoint and stream share one session until every handle is
// closed.
func (d *Driver) AddPublication(ctx context.Context, channel string, streamID int32) (*publication.Publication, error) {
	if err := d.ready("AddPublication"); err != nil {
		return nil, err
	}
	ch, err := media.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	if ch.Spy {
		return nil, errors.WrapInvalid(errors.ErrInvalidChannel, "driver", "AddPublication",
			"spy channels can only be subscribed to")
	}

	var pub *publication.Publication
	err = d.conductor.call(ctx, func() error {
		var err error
		pub, err = d.conductor.addPublication(ch, streamID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// AddSubscription subscribes to streamID on channel. A spy: channel reads the local
// publications of that channel instead of the network.
func (d *Driver) AddSubscription(ctx context.Context, channel string, streamID int32) (*image.Subscription, error) {
	if err := d.ready("AddSubscription"); err != nil {
		return nil, err
	}
	ch, err := media.ParseChannel(channel)
	if err != nil {
		return nil, err
	}

	var sub *image.Subscription
	err = d.conductor.call(ctx, func() error {
		var err error
		sub, err = d.conductor.addSubscription(ch, streamID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Driver) onAgentError(agentName string, err error) {
	d.ctx.Counters.Errors.Inc()
	d.ctx.ErrorSink.Report(errsink.NewEvent(d.ctx.Clock.Now(), agentName, err))
}

// Health reports each agent runner and every publication and image. A publication
// without receivers or an image that is not connected degrades the driver.
func (d *Driver) Health() health.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	resources := d.conductor.resources.AggregateHealth("resources")
	if d.invoker != nil {
		if d.closed {
			return health.NewUnhealthy("driver", "driver closed")
		}
		return health.Aggregate("driver", []health.Status{
			health.NewHealthy("agents", "driven by caller"),
			resources,
		})
	}
	if !d.started {
		return health.NewUnhealthy("driver", "driver not started")
	}
	statuses := make([]health.Status, 0, len(d.runners)+1)
	for _, r := range d.runners {
		s := r.Stats()
		statuses = append(statuses, health.FromAgent(s.Agent, s.Running, s.LastError, &health.Metrics{
			Uptime:     s.Uptime,
			ErrorCount: s.Errors,
			WorkCount:  s.WorkCount,
		}))
	}
	return health.Aggregate("driver", append(statuses, resources))
}

// Counters returns the driver's system counters.
func (d *Driver) Counters() *metric.SystemCounters { return d.ctx.Counters }

// Config returns the effective driver configuration.
func (d *Driver) Config() config.Driver { return d.ctx.Config }
