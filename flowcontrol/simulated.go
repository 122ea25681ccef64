package flowcontrol

import (
	"time"

	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/protocol"
)

// SpyPositions reports the slowest local spy's position and how many spies exist.
type SpyPositions func() (minPosition int64, count int)

// SimulatedSpy wraps a network strategy so that local spies can stand in for network
// receivers. It is active when simulation is enabled, at least one spy is present and
// no network receiver is live, provided either the connection timeout has passed since
// creation or every network receiver has timed out. While active the sender limit is
// the slowest spy plus the term window. The first Status Message from a network
// receiver ends the simulation.
type SimulatedSpy struct {
	inner             Strategy
	enabled           bool
	connectionTimeout time.Duration
	createdAt         time.Time
	spies             SpyPositions
	termWindow        int64
	hadReceivers      bool
	active            bool
}

// NewSimulatedSpy wraps inner. With enabled false it is a transparent pass-through.
func NewSimulatedSpy(inner Strategy, enabled bool, connectionTimeout time.Duration, now time.Time, spies SpyPositions) *SimulatedSpy {
	return &SimulatedSpy{
		inner:             inner,
		enabled:           enabled,
		connectionTimeout: connectionTimeout,
		createdAt:         now,
		spies:             spies,
	}
}

func (s *SimulatedSpy) Initialize(initialTermID int32, termLength int) {
	s.termWindow = int64(logbuffer.TermWindowLength(termLength))
	s.inner.Initialize(initialTermID, termLength)
}

func (s *SimulatedSpy) OnStatusMessage(sm *protocol.StatusMessage, senderLimit int64, now time.Time) int64 {
	s.hadReceivers = true
	s.active = false
	return s.inner.OnStatusMessage(sm, senderLimit, now)
}

func (s *SimulatedSpy) OnIdle(now time.Time, senderLimit int64) int64 {
	limit := s.inner.OnIdle(now, senderLimit)
	s.active = false
	if !s.enabled || s.spies == nil || s.inner.ReceiverCount() > 0 {
		return limit
	}
	minSpy, count := s.spies()
	if count == 0 {
		return limit
	}
	if !s.hadReceivers && now.Sub(s.createdAt) < s.connectionTimeout {
		return limit
	}
	s.active = true
	return minSpy + s.termWindow
}

// HasRequiredReceivers is true when the network strategy has its receivers or the
// simulation is active.
func (s *SimulatedSpy) HasRequiredReceivers() bool {
	return s.active || s.inner.HasRequiredReceivers()
}

func (s *SimulatedSpy) ReceiverCount() int { return s.inner.ReceiverCount() }

// Simulating reports whether spies currently drive the sender limit.
func (s *SimulatedSpy) Simulating() bool { return s.active }

// Inner returns the wrapped network strategy.
func (s *SimulatedSpy) Inner() Strategy { return s.inner }
