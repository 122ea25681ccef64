package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks ring activity. All fields are updated atomically.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records an accepted item.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a removed item.
func (s *Statistics) Read() { s.reads.Add(1) }

// Drop records an item rejected by a full ring.
func (s *Statistics) Drop() { s.drops.Add(1) }

// ObserveSize records size as a high-water mark candidate.
func (s *Statistics) ObserveSize(size int64) {
	for {
		current := s.maxSize.Load()
		if size <= current || s.maxSize.CompareAndSwap(current, size) {
			return
		}
	}
}

// Writes returns the number of accepted items.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of removed items.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of rejected items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the largest size observed.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns the fraction of offers that were rejected (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	total := s.Writes() + s.Drops()
	if total == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(total)
}

// StatsSummary is a snapshot of ring statistics.
type StatsSummary struct {
	Writes   int64         `json:"writes"`
	Reads    int64         `json:"reads"`
	Drops    int64         `json:"drops"`
	MaxSize  int64         `json:"max_size"`
	DropRate float64       `json:"drop_rate"`
	Uptime   time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:   s.Writes(),
		Reads:    s.Reads(),
		Drops:    s.Drops(),
		MaxSize:  s.MaxSize(),
		DropRate: s.DropRate(),
		Uptime:   time.Since(s.startTime),
	}
}
