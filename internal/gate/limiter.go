package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles unlock attempts per key with a token bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows perMinute attempts per key, all of which may be spent at once.
// perMinute <= 0 disables throttling.
func NewLimiter(perMinute int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Inf,
		burst:   1,
		stop:    make(chan struct{}),
	}
	if perMinute > 0 {
		l.rate = rate.Limit(float64(perMinute) / time.Minute.Seconds())
		l.burst = perMinute
	}
	go l.cleanupLoop()
	return l
}

// Allow spends one attempt for key. When refused it reports how long to wait.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.rate == rate.Inf {
		return true, 0
	}
	now := time.Now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, max(delay, time.Second)
	}
	return true, 0
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets idle for ten minutes that have refilled completely.
func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stale := now.Add(-10 * time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(stale) && b.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
