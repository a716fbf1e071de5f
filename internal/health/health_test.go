package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// handlers

func TestHealthzHandler(t *testing.T) {
	tests := []struct {
		name     string
		probe    Probe
		wantCode int
		wantBody string
	}{
		{"healthy", Fixed(true, ""), http.StatusOK, "ok"},
		{"nil probe", nil, http.StatusOK, "ok"},
		{"unhealthy", Fixed(false, "upstream unreachable"), http.StatusServiceUnavailable, "upstream unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthzHandler(tt.probe).ServeHTTP(rec, httptest.NewRequest("GET", "/-/healthy", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestReadyzHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyzHandler(Fixed(true, "")).ServeHTTP(rec, httptest.NewRequest("GET", "/-/ready", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ready") {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ReadyzHandler(Fixed(false, "")).ServeHTTP(rec, httptest.NewRequest("GET", "/-/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "unhealthy") {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type key struct{}
	var got any
	p := CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	})
	req := httptest.NewRequest("GET", "/-/ready", nil)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "v"))
	ReadyzHandler(p).ServeHTTP(httptest.NewRecorder(), req)
	if got != "v" {
		t.Fatal("request context not passed to probe")
	}
}

// combinators

func TestAll(t *testing.T) {
	errA := errors.New("a")
	if err := All(Fixed(true, ""), nil, Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("All(pass, pass) = %v", err)
	}
	err := All(Fixed(true, ""), CheckFunc(func(context.Context) error { return errA }), Fixed(false, "b")).Check(context.Background())
	if !errors.Is(err, errA) {
		t.Fatalf("All should return first failure, got %v", err)
	}
	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty All = %v", err)
	}
}

func TestAny(t *testing.T) {
	if err := Any(Fixed(false, "x"), Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("Any with one pass = %v", err)
	}
	err := Any(Fixed(false, "first"), Fixed(false, "second")).Check(context.Background())
	if err == nil || err.Error() != "second" {
		t.Fatalf("Any should return last failure, got %v", err)
	}
	if err := Any(nil).Check(context.Background()); err == nil {
		t.Fatal("Any with no probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate = %v", err)
	}

	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate = %v, want draining", err)
	}

	g.Set("shutdown")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutdown" {
		t.Fatalf("closed gate = %v, want shutdown", err)
	}

	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate = %v", err)
	}
}
