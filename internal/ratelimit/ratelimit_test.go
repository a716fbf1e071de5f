package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
)

func newTestLimiter(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	all := append([]Option{WithRate(1, 3), WithTTL(time.Minute)}, opts...)
	return New(ctx, all...)
}

func TestAllow_BurstThenReject(t *testing.T) {
	l := newTestLimiter(t)
	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request 4 should be denied")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("other client should have its own bucket")
	}
}

func TestAllow_Hooks(t *testing.T) {
	var first, denied []string
	l := newTestLimiter(t,
		WithRate(0.001, 1),
		WithOnFirstDenied(func(k string) { first = append(first, k) }),
		WithOnDenied(func(k string) { denied = append(denied, k) }),
	)
	l.allow("a")
	l.allow("a")
	l.allow("a")
	l.allow("a")

	if len(first) != 1 || first[0] != "a" {
		t.Fatalf("first-denied calls = %v, want [a]", first)
	}
	if len(denied) != 3 {
		t.Fatalf("denied calls = %d, want 3", len(denied))
	}
}

func TestAllow_OverflowBucket(t *testing.T) {
	var capacity atomic.Int32
	l := newTestLimiter(t,
		WithRate(0.001, 1),
		WithMaxVisitors(2),
		WithOnCapacity(func() { capacity.Add(1) }),
	)
	l.allow("a")
	l.allow("b")

	// tracked clients are full, c and d share the overflow bucket
	if !l.allow("c") {
		t.Fatal("first overflow request should pass")
	}
	if l.allow("d") {
		t.Fatal("overflow bucket should be exhausted")
	}
	if capacity.Load() != 2 {
		t.Fatalf("capacity hook calls = %d, want 2", capacity.Load())
	}
	if l.Len() != 3 {
		t.Fatalf("tracked = %d, want 3 (a, b, overflow)", l.Len())
	}
}

func TestEvict(t *testing.T) {
	l := newTestLimiter(t)
	l.allow("a")
	l.evict(time.Now().Add(30 * time.Second))
	if l.Len() != 1 {
		t.Fatal("entry evicted before ttl")
	}
	l.evict(time.Now().Add(2 * time.Minute))
	if l.Len() != 0 {
		t.Fatal("idle entry should be evicted")
	}
}

func TestMiddleware_429(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 1), WithRetryAfter(10*time.Second))
	h := httpmw.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
		httpmw.ClientIP(httpmw.ClientIPOptions{}),
		l.Middleware,
	)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/trpc/x", nil)
		req.RemoteAddr = "203.0.113.5:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "10" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Body.String() != `{"error":"too many requests"}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestMiddleware_KeyFunc(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 1), WithKeyFunc(func(r *http.Request) string {
		return r.Header.Get("X-Tenant")
	}))
	h := l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	for _, tenant := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant", tenant)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("tenant %s status = %d", tenant, rec.Code)
		}
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l := newTestLimiter(t, WithRate(1, 50))
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.allow("same") {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	// burst of 50 plus at most a token or two of refill
	if n := ok.Load(); n < 50 || n > 52 {
		t.Fatalf("allowed = %d, want about 50", n)
	}
}
