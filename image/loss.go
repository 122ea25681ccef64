package image

import (
	"fmt"
	"time"
)

// GapState is the Nak state of the gap a LossDetector tracks.
type GapState int

const (
	GapNone GapState = iota
	// GapPending waits out the Nak delay.
	GapPending
	// GapSent has a Nak outstanding; identical Naks are suppressed.
	GapSent
	// GapExpired timed out without a retransmit and is re-issued on the next scan.
	GapExpired
	// GapResolved was filled.
	GapResolved
)

func (s GapState) String() string {
	switch s {
	case GapNone:
		return "NONE"
	case GapPending:
		return "PENDING"
	case GapSent:
		return "SENT"
	case GapExpired:
		return "EXPIRED"
	case GapResolved:
		return "RESOLVED"
	default:
		return fmt.Sprintf("GapState(%d)", int(s))
	}
}

// Gap is a missing range within a term.
type Gap struct {
	TermID     int32
	TermOffset int32
	Length     int32
}

// LossDetector turns the gaps found while rebuilding an image into Naks. A gap is
// Nak'd after the Nak delay, and again each time the retry timeout passes without
// it being filled.
type LossDetector struct {
	delay        time.Duration
	retryTimeout time.Duration
	gap          Gap
	state        GapState
	deadline     time.Time
	pending      bool
	expirations  int64
}

// NewLossDetector creates a detector.
func NewLossDetector(delay, retryTimeout time.Duration) *LossDetector {
	return &LossDetector{delay: delay, retryTimeout: retryTimeout}
}

func (d *LossDetector) active() bool {
	return d.state == GapPending || d.state == GapSent || d.state == GapExpired
}

// Scan records the first gap found by a rebuild scan; length zero means there is
// none. It reports whether a Nak is due.
func (d *LossDetector) Scan(termID, termOffset, length int32, now time.Time) bool {
	if length <= 0 {
		if d.active() {
			d.state = GapResolved
		}
		d.pending = false
		return false
	}

	if !d.active() || d.gap.TermID != termID || d.gap.TermOffset != termOffset {
		if d.active() {
			d.state = GapResolved
		}
		d.gap = Gap{TermID: termID, TermOffset: termOffset, Length: length}
		d.state = GapPending
		d.deadline = now.Add(d.delay)
		d.pending = false
	} else {
		d.gap.Length = length
	}

	switch d.state {
	case GapExpired:
		d.issue(now)
	case GapPending, GapSent:
		if !now.Before(d.deadline) {
			if d.state == GapSent {
				d.state = GapExpired
				d.expirations++
				break
			}
			d.issue(now)
		}
	}
	return d.pending
}

func (d *LossDetector) issue(now time.Time) {
	d.state = GapSent
	d.deadline = now.Add(d.retryTimeout)
	d.pending = true
}

// TakePending returns the gap to Nak, if one is due, and clears it.
func (d *LossDetector) TakePending() (Gap, bool) {
	if !d.pending {
		return Gap{}, false
	}
	d.pending = false
	return d.gap, true
}

// State returns the state of the tracked gap.
func (d *LossDetector) State() GapState { return d.state }

// Expirations counts Naks that timed out.
func (d *LossDetector) Expirations() int64 { return d.expirations }
