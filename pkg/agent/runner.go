package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/metric"
)

// ErrorHandler receives non-fatal errors returned by DoWork.
type ErrorHandler func(agentName string, err error)

// Runner drives one agent on its own goroutine.
type Runner struct {
	agent   Agent
	idle    IdleStrategy
	onError ErrorHandler

	lifecycleMu sync.Mutex
	started     bool
	done        chan struct{}
	cancel      context.CancelFunc
	runErr      error

	running    atomic.Bool
	dutyCycles atomic.Int64
	workCount  atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Pointer[error]
	startTime  time.Time

	metricsRegistry *metric.MetricsRegistry
}

// Option configures a Runner
type Option func(*Runner)

// WithErrorHandler sets the handler for non-fatal agent errors
func WithErrorHandler(h ErrorHandler) Option {
	return func(r *Runner) { r.onError = h }
}

// WithMetricsRegistry exports duty-cycle counters for the agent
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Runner) { r.metricsRegistry = registry }
}

// NewRunner creates a runner for a. A nil idle strategy uses backoff.
func NewRunner(a Agent, idle IdleStrategy, opts ...Option) (*Runner, error) {
	if a == nil {
		return nil, ErrNilAgent
	}
	if idle == nil {
		idle = NewIdleStrategy("")
	}
	r := &Runner{agent: a, idle: idle, done: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	if r.metricsRegistry != nil {
		if err := r.registerMetrics(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) registerMetrics() error {
	labels := prometheus.Labels{"agent": r.agent.Name()}
	cycles := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "semwire", Subsystem: "agent", Name: "duty_cycles_total", ConstLabels: labels,
		Help: "Duty cycles executed",
	}, func() float64 { return float64(r.dutyCycles.Load()) })
	work := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "semwire", Subsystem: "agent", Name: "work_total", ConstLabels: labels,
		Help: "Work items reported by duty cycles",
	}, func() float64 { return float64(r.workCount.Load()) })
	errs := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "semwire", Subsystem: "agent", Name: "errors_total", ConstLabels: labels,
		Help: "Errors returned by duty cycles",
	}, func() float64 { return float64(r.errorCount.Load()) })

	name := r.agent.Name()
	if err := r.metricsRegistry.RegisterCollector(name, "duty_cycles", cycles); err != nil {
		return err
	}
	if err := r.metricsRegistry.RegisterCollector(name, "work", work); err != nil {
		return err
	}
	return r.metricsRegistry.RegisterCollector(name, "errors", errs)
}

// Start launches the duty-cycle goroutine.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}
	r.started = true
	r.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running.Store(true)
	go r.run(runCtx)
	return nil
}

// Run starts the runner and blocks until ctx ends or the agent returns a fatal error.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-r.done
	return r.runErr
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.running.Store(false)
	defer r.agent.OnClose()

	for ctx.Err() == nil {
		n, err := r.agent.DoWork(ctx)
		r.dutyCycles.Add(1)
		if n > 0 {
			r.workCount.Add(int64(n))
		}
		if err != nil {
			r.errorCount.Add(1)
			r.lastError.Store(&err)
			if r.onError != nil {
				r.onError(r.agent.Name(), err)
			}
			if errors.IsFatal(err) {
				r.runErr = err
				return
			}
		}
		r.idle.Idle(n)
	}
}

// Close stops the agent and waits up to timeout for OnClose to finish.
func (r *Runner) Close(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	started := r.started
	cancel := r.cancel
	r.lifecycleMu.Unlock()

	if !started {
		return nil
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Done is closed when the duty-cycle goroutine exits.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the fatal error that stopped the runner, if any.
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.runErr
	default:
		return nil
	}
}

// Stats returns runner statistics
func (r *Runner) Stats() RunnerStats {
	s := RunnerStats{
		Agent:      r.agent.Name(),
		Running:    r.running.Load(),
		DutyCycles: r.dutyCycles.Load(),
		WorkCount:  r.workCount.Load(),
		Errors:     r.errorCount.Load(),
	}
	if p := r.lastError.Load(); p != nil {
		s.LastError = *p
	}
	if !r.startTime.IsZero() {
		s.Uptime = time.Since(r.startTime)
	}
	return s
}

// RunnerStats represents duty-cycle statistics
type RunnerStats struct {
	Agent      string        `json:"agent"`
	Running    bool          `json:"running"`
	DutyCycles int64         `json:"duty_cycles"`
	WorkCount  int64         `json:"work_count"`
	Errors     int64         `json:"errors"`
	LastError  error         `json:"-"`
	Uptime     time.Duration `json:"uptime"`
}

// Invoker drives an agent from the caller's goroutine, one duty cycle per Invoke.
type Invoker struct {
	agent  Agent
	closed bool
}

// NewInvoker wraps a.
func NewInvoker(a Agent) *Invoker { return &Invoker{agent: a} }

// Invoke runs one duty cycle.
func (i *Invoker) Invoke(ctx context.Context) (int, error) {
	if i.closed {
		return 0, ErrRunnerStopped
	}
	return i.agent.DoWork(ctx)
}

// Close calls the agent's OnClose once.
func (i *Invoker) Close() {
	if !i.closed {
		i.closed = true
		i.agent.OnClose()
	}
}
