package errsink

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited forwards at most limit events per second per source, with bursts of
// burst. Dropped events are counted and the count rides on the next event delivered
// for that source.
type RateLimited struct {
	next  Sink
	limit rate.Limit
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int64
}

// NewRateLimited wraps next.
func NewRateLimited(next Sink, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:       next,
		limit:      rate.Limit(perSecond),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int64),
	}
}

func (r *RateLimited) Report(ev Event) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	l, ok := r.limiters[ev.Source]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[ev.Source] = l
	}
	if !l.AllowN(at, 1) {
		r.suppressed[ev.Source]++
		r.mu.Unlock()
		return
	}
	ev.Suppressed += r.suppressed[ev.Source]
	delete(r.suppressed, ev.Source)
	r.mu.Unlock()

	r.next.Report(ev)
}

// Suppressed returns how many events from source are waiting to be reported.
func (r *RateLimited) Suppressed(source string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed[source]
}
