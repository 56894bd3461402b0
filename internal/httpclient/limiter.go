package httpclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
)

const window = time.Minute

// Limiter bounds request throughput over a sliding one-minute window. Each
// Wait records a timestamp; when the window already holds rpm timestamps the
// caller sleeps until the oldest one ages out.
//
// When burst > 0 an x/time/rate bucket refilling at rpm/60 per second with
// capacity burst tracks burst pressure. It is advisory: a request over the
// burst is counted and logged, never delayed. Only a full window sleeps.
type Limiter struct {
	mu        sync.Mutex
	rpm       int
	burst     int
	stamps    []time.Time
	bucket    *rate.Limiter
	overBurst int
	clock     clock.Clock
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock sets the clock used for timestamps and waits.
func WithLimiterClock(c clock.Clock) LimiterOption {
	return func(l *Limiter) { l.clock = c }
}

// NewLimiter creates a limiter allowing rpm requests per minute. A
// non-positive rpm disables the sliding window.
func NewLimiter(rpm, burst int, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		rpm:   rpm,
		burst: burst,
		clock: clock.Real{},
	}
	for _, o := range opts {
		o(l)
	}
	if burst > 0 && rpm > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(float64(rpm)/window.Seconds()), burst)
	}
	return l
}

// RPM returns the configured requests-per-minute limit.
func (l *Limiter) RPM() int { return l.rpm }

// Burst returns the configured burst allowance.
func (l *Limiter) Burst() int { return l.burst }

// Wait blocks until a request may be sent. The lock is released while
// sleeping so other callers are never held up by one waiter.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.checkBurst()
	if l.rpm <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.prune(now)
		if len(l.stamps) < l.rpm {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(window).Sub(now)
		l.mu.Unlock()

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// checkBurst records a request against the burst bucket.
func (l *Limiter) checkBurst() {
	if l.bucket == nil {
		return
	}
	if l.bucket.AllowN(l.clock.Now(), 1) {
		return
	}
	l.mu.Lock()
	l.overBurst++
	n := l.overBurst
	l.mu.Unlock()
	slog.Debug("limiter: burst allowance exceeded", "burst", l.burst, "over_burst", n)
}

// OverBurst reports how many requests arrived while the burst bucket was
// empty.
func (l *Limiter) OverBurst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overBurst
}

// prune drops timestamps older than the window. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Len reports how many requests are currently inside the window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.stamps)
}
