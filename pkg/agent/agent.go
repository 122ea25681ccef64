// Package agent runs duty-cycle agents: components that do a bounded amount of
// non-blocking work per call and report how much they did, so the runner can idle
// when there is nothing to do.
package agent

import (
	"context"
	"runtime"
	"strings"
	"time"
)

// Agent is a unit of duty-cycle work.
type Agent interface {
	// Name identifies the agent in logs, metrics and health.
	Name() string

	// DoWork performs one duty cycle and returns the amount of work done. It must
	// not block. A fatal error stops the runner; other errors are reported and the
	// cycle continues.
	DoWork(ctx context.Context) (int, error)

	// OnClose is called once after the last duty cycle.
	OnClose()
}

// IdleStrategy decides how to wait between duty cycles.
type IdleStrategy interface {
	// Idle is called after each duty cycle with the work it performed.
	Idle(workCount int)
	// Reset returns the strategy to its initial state.
	Reset()
}

// BusySpin never yields the processor.
type BusySpin struct{}

func (BusySpin) Idle(int) {}
func (BusySpin) Reset()   {}

// Yielding yields the processor when there was no work.
type Yielding struct{}

func (Yielding) Idle(workCount int) {
	if workCount == 0 {
		runtime.Gosched()
	}
}
func (Yielding) Reset() {}

// Sleeping parks for a fixed period when there was no work.
type Sleeping struct {
	Period time.Duration
}

func (s Sleeping) Idle(workCount int) {
	if workCount == 0 {
		time.Sleep(s.Period)
	}
}
func (Sleeping) Reset() {}

// Backoff spins, then yields, then parks with an exponentially growing period
// while there is no work.
type Backoff struct {
	MaxSpins   int
	MaxYields  int
	MinPark    time.Duration
	MaxPark    time.Duration
	spins      int
	yields     int
	parkPeriod time.Duration
}

// NewBackoff returns a backoff strategy with the given bounds.
func NewBackoff(maxSpins, maxYields int, minPark, maxPark time.Duration) *Backoff {
	return &Backoff{MaxSpins: maxSpins, MaxYields: maxYields, MinPark: minPark, MaxPark: maxPark}
}

func (b *Backoff) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}
	switch {
	case b.spins < b.MaxSpins:
		b.spins++
	case b.yields < b.MaxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.parkPeriod == 0 {
			b.parkPeriod = b.MinPark
		}
		time.Sleep(b.parkPeriod)
		b.parkPeriod = min(b.parkPeriod*2, b.MaxPark)
	}
}

func (b *Backoff) Reset() {
	b.spins = 0
	b.yields = 0
	b.parkPeriod = 0
}

// NewIdleStrategy maps a configured name to a strategy. Unknown names get a
// backoff strategy.
func NewIdleStrategy(name string) IdleStrategy {
	switch strings.ToLower(name) {
	case "spin", "busy-spin":
		return BusySpin{}
	case "yield", "yielding":
		return Yielding{}
	case "sleep", "sleeping":
		return Sleeping{Period: time.Millisecond}
	default:
		return NewBackoff(10, 5, time.Microsecond, time.Millisecond)
	}
}

// Composite runs several agents in one duty cycle, used by the shared threading mode.
type Composite struct {
	name   string
	agents []Agent
}

// NewComposite combines agents under name.
func NewComposite(name string, agents ...Agent) *Composite {
	return &Composite{name: name, agents: agents}
}

func (c *Composite) Name() string { return c.name }

// DoWork runs each agent once and sums their work. The first error is returned after
// every agent has had its turn.
func (c *Composite) DoWork(ctx context.Context) (int, error) {
	total := 0
	var firstErr error
	for _, a := range c.agents {
		n, err := a.DoWork(ctx)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

func (c *Composite) OnClose() {
	for _, a := range c.agents {
		a.OnClose()
	}
}
