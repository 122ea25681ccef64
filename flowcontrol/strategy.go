// Package flowcontrol computes how far a network publication's sender may run ahead,
// from the Status Messages its receivers send back.
//
// A Strategy is owned by the sender duty cycle and is never shared: OnStatusMessage
// and OnIdle are called from that goroutine only. The value they return is the
// sender limit, the position the sender may transmit up to.
package flowcontrol

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/logbuffer"
	"github.com/c360/semwire/protocol"
)

// Kind selects a strategy.
type Kind int

const (
	Unicast Kind = iota
	MinMulticast
	MaxMulticast
)

func (k Kind) String() string {
	switch k {
	case Unicast:
		return "unicast"
	case MinMulticast:
		return "min"
	case MaxMulticast:
		return "max"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses "unicast", "min" or "max".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unicast", "":
		return Unicast, nil
	case "min":
		return MinMulticast, nil
	case "max":
		return MaxMulticast, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "flowcontrol", "ParseKind",
			fmt.Sprintf("unknown flow control %q", s))
	}
}

// Strategy is a flow control policy.
type Strategy interface {
	// Initialize binds the strategy to a stream's position math.
	Initialize(initialTermID int32, termLength int)

	// OnStatusMessage applies a receiver's status and returns the new sender limit.
	OnStatusMessage(sm *protocol.StatusMessage, senderLimit int64, now time.Time) int64

	// OnIdle expires silent receivers and returns the sender limit.
	OnIdle(now time.Time, senderLimit int64) int64

	// HasRequiredReceivers reports whether enough receivers are tracked for the
	// publication to count as connected.
	HasRequiredReceivers() bool

	// ReceiverCount returns the number of live receivers.
	ReceiverCount() int
}

// Config parameterizes a strategy.
type Config struct {
	Kind Kind
	// ReceiverTimeout expires receivers whose last Status Message is older.
	ReceiverTimeout time.Duration
	// RequiredReceivers is how many receivers must be live before the
	// publication is connected. Zero means one.
	RequiredReceivers int
	// OnReceiverTimeout is called for each expired receiver.
	OnReceiverTimeout func(receiverID int64)
}

// New creates the strategy cfg.Kind names.
func New(cfg Config) Strategy {
	if cfg.RequiredReceivers <= 0 {
		cfg.RequiredReceivers = 1
	}
	switch cfg.Kind {
	case MinMulticast:
		return &receiverSet{cfg: cfg, aggregate: minLimit}
	case MaxMulticast:
		return &receiverSet{cfg: cfg, aggregate: maxLimit}
	default:
		return &receiverSet{cfg: cfg, aggregate: maxLimit, single: true}
	}
}

type receiver struct {
	id                 int64
	position           int64
	positionPlusWindow int64
	lastSeen           time.Time
}

// receiverSet tracks receivers by id and aggregates their limits. Unicast keeps one
// receiver and never moves the limit backwards; multicast strategies aggregate over
// every live receiver.
type receiverSet struct {
	cfg           Config
	aggregate     func(rs []receiver, senderLimit int64) int64
	single        bool
	receivers     []receiver
	initialTermID int32
	shift         uint
}

func (s *receiverSet) Initialize(initialTermID int32, termLength int) {
	s.initialTermID = initialTermID
	s.shift = logbuffer.PositionBitsToShift(termLength)
}

func (s *receiverSet) OnStatusMessage(sm *protocol.StatusMessage, senderLimit int64, now time.Time) int64 {
	position := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, s.shift, s.initialTermID)
	r := receiver{
		id:                 sm.ReceiverID,
		position:           position,
		positionPlusWindow: position + int64(sm.ReceiverWindow),
		lastSeen:           now,
	}

	if s.single {
		if len(s.receivers) == 0 {
			s.receivers = append(s.receivers, r)
		} else {
			prev := s.receivers[0]
			r.position = max(r.position, prev.position)
			r.positionPlusWindow = max(r.positionPlusWindow, prev.positionPlusWindow)
			s.receivers[0] = r
		}
		return max(senderLimit, r.positionPlusWindow)
	}

	found := false
	for i := range s.receivers {
		if s.receivers[i].id == r.id {
			s.receivers[i].position = max(s.receivers[i].position, r.position)
			s.receivers[i].positionPlusWindow = r.positionPlusWindow
			s.receivers[i].lastSeen = now
			found = true
			break
		}
	}
	if !found {
		s.receivers = append(s.receivers, r)
	}
	return s.aggregate(s.receivers, senderLimit)
}

func (s *receiverSet) OnIdle(now time.Time, senderLimit int64) int64 {
	kept := s.receivers[:0]
	for _, r := range s.receivers {
		if now.Sub(r.lastSeen) > s.cfg.ReceiverTimeout {
			if s.cfg.OnReceiverTimeout != nil {
				s.cfg.OnReceiverTimeout(r.id)
			}
			continue
		}
		kept = append(kept, r)
	}
	s.receivers = kept
	if s.single {
		return senderLimit
	}
	return s.aggregate(s.receivers, senderLimit)
}

func (s *receiverSet) HasRequiredReceivers() bool {
	return len(s.receivers) >= s.cfg.RequiredReceivers
}

func (s *receiverSet) ReceiverCount() int { return len(s.receivers) }

func minLimit(rs []receiver, senderLimit int64) int64 {
	if len(rs) == 0 {
		return senderLimit
	}
	limit := rs[0].positionPlusWindow
	for _, r := range rs[1:] {
		limit = min(limit, r.positionPlusWindow)
	}
	return limit
}

func maxLimit(rs []receiver, senderLimit int64) int64 {
	limit := senderLimit
	for _, r := range rs {
		limit = max(limit, r.positionPlusWindow)
	}
	return limit
}
