package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// first denial already reported; reset when the entry is evicted
	logged bool
}

// IPLimiter holds one token bucket per client key.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	retryAfter  time.Duration
	key         func(*http.Request) string

	onFirstDenied func(key string)
	onDenied      func(key string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate allows burst requests at once, refilled at perSecond.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client stays tracked.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps the number of tracked clients. Past the cap new
// clients share a single overflow bucket.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithRetryAfter sets the Retry-After value sent with a 429.
func WithRetryAfter(d time.Duration) Option {
	return func(l *IPLimiter) { l.retryAfter = d }
}

// WithKeyFunc replaces the client key, which defaults to the client IP.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *IPLimiter) { l.key = fn }
}

// WithOnFirstDenied is called once per client when it is first limited.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied is called on every denied request.
func WithOnDenied(fn func(key string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity is called each time a client lands in the overflow bucket.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

const overflowKey = "\x00overflow"

// New starts the eviction loop, which stops when ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100_000,
		retryAfter:  30 * time.Second,
		key:         func(r *http.Request) string { return httpmw.ClientIPFromContext(r.Context()) },
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

func (l *IPLimiter) allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	overflow := false
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			overflow = true
			key = overflowKey
			v = l.visitors[overflowKey]
		}
		if v == nil {
			v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
			l.visitors[key] = v
		}
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()
	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	// hooks may be slow, never run them under the lock
	l.mu.Unlock()

	if overflow && l.onCapacity != nil {
		l.onCapacity()
	}
	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return false
}

// Len is the number of tracked clients.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, k)
		}
	}
}

func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// Middleware answers 429 for clients over their limit. The body gives no
// hint of the configured rate.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	retry := strconv.Itoa(int(l.retryAfter.Round(time.Second) / time.Second))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.key(r)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", retry)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
