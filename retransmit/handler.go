// Package retransmit coalesces Nak driven retransmission on the sender side.
//
// Identical requests (same term id and offset) that arrive while an action is
// pending or lingering are ignored, so a multicast group whose receivers all lose the
// same datagram triggers one resend. Actions move DELAYED -> LINGERING -> free.
package retransmit

import (
	"time"
)

// ResendFunc resends length bytes at termOffset of termID.
type ResendFunc func(termID, termOffset, length int32)

type actionState uint8

const (
	inactive actionState = iota
	delayed
	lingering
)

type action struct {
	state      actionState
	termID     int32
	termOffset int32
	length     int32
	expiry     time.Time
}

// Config bounds the handler.
type Config struct {
	// Delay before a resend; zero resends immediately.
	Delay time.Duration
	// Linger is how long a completed resend suppresses duplicates.
	Linger time.Duration
	// MaxActions caps concurrent actions. Further requests are dropped.
	MaxActions int
}

// Handler tracks retransmit actions for one publication. It is used only by the
// sender duty cycle.
type Handler struct {
	cfg     Config
	actions []action
	dropped int64
}

// NewHandler creates a handler with cfg.MaxActions slots.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 16
	}
	return &Handler{cfg: cfg, actions: make([]action, cfg.MaxActions)}
}

// OnNak schedules a resend unless an identical action is active. It reports whether
// the request was accepted.
func (h *Handler) OnNak(termID, termOffset, length int32, termLength int, now time.Time, resend ResendFunc) bool {
	if termOffset < 0 || length <= 0 || int(termOffset) >= termLength {
		return false
	}
	length = min(length, int32(termLength)-termOffset)

	free := -1
	for i := range h.actions {
		a := &h.actions[i]
		if a.state == inactive {
			if free < 0 {
				free = i
			}
			continue
		}
		if a.termID == termID && a.termOffset == termOffset {
			return false
		}
	}
	if free < 0 {
		h.dropped++
		return false
	}

	a := &h.actions[free]
	a.termID, a.termOffset, a.length = termID, termOffset, length
	if h.cfg.Delay > 0 {
		a.state = delayed
		a.expiry = now.Add(h.cfg.Delay)
		return true
	}
	resend(termID, termOffset, length)
	a.state = lingering
	a.expiry = now.Add(h.cfg.Linger)
	return true
}

// ProcessTimeouts fires delayed resends and frees expired lingering actions. It
// returns the number of resends performed.
func (h *Handler) ProcessTimeouts(now time.Time, resend ResendFunc) int {
	n := 0
	for i := range h.actions {
		a := &h.actions[i]
		if a.state == inactive || now.Before(a.expiry) {
			continue
		}
		switch a.state {
		case delayed:
			resend(a.termID, a.termOffset, a.length)
			a.state = lingering
			a.expiry = now.Add(h.cfg.Linger)
			n++
		case lingering:
			a.state = inactive
		}
	}
	return n
}

// Active returns the number of actions in use.
func (h *Handler) Active() int {
	n := 0
	for i := range h.actions {
		if h.actions[i].state != inactive {
			n++
		}
	}
	return n
}

// Dropped returns how many requests were refused because every slot was busy.
func (h *Handler) Dropped() int64 { return h.dropped }
