package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew_InvalidTarget(t *testing.T) {
	for _, target := range []string{"", "127.0.0.1:3000", "ftp://x", "http://"} {
		if _, err := New(Options{Name: "api", Target: target}); err == nil {
			t.Errorf("target %q: expected error", target)
		}
	}
}

func TestProxy_ForwardsRewrittenRequest(t *testing.T) {
	type seen struct {
		path, rawQuery, auth, relay, xff, host string
	}
	got := make(chan seen, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{
			path:     r.URL.Path,
			rawQuery: r.URL.RawQuery,
			auth:     r.Header.Get("Authorization"),
			relay:    r.Header.Get("Auth-Token"),
			xff:      r.Header.Get("X-Forwarded-For"),
			host:     r.Host,
		}
		w.Header().Set("X-Origin", "yes")
		_, _ = io.WriteString(w, "ok")
	}))
	defer origin.Close()

	h, err := New(Options{Name: "api", Target: origin.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://edge.example/user.query?batch=1", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	req.Header.Set("Auth-Token", "Bearer abc")
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" || rec.Header().Get("X-Origin") != "yes" {
		t.Fatalf("response = %d %q %v", rec.Code, rec.Body.String(), rec.Header())
	}
	s := <-got
	if s.path != "/user.query" || s.rawQuery != "batch=1" {
		t.Fatalf("origin saw %s?%s", s.path, s.rawQuery)
	}
	if s.relay != "Bearer abc" || s.auth != "" {
		t.Fatalf("headers auth=%q relay=%q", s.auth, s.relay)
	}
	if s.xff != "203.0.113.1, 198.51.100.7" {
		t.Fatalf("X-Forwarded-For = %q", s.xff)
	}
	if !strings.HasPrefix(origin.URL, "http://"+s.host) {
		t.Fatalf("Host = %q, want origin host", s.host)
	}
}

func TestProxy_TargetBasePath(t *testing.T) {
	got := make(chan string, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path
	}))
	defer origin.Close()

	h, err := New(Options{Name: "rum", Target: origin.URL + "/collector"})
	if err != nil {
		t.Fatal(err)
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rum-events", nil))
	if p := <-got; p != "/collector/rum-events" {
		t.Fatalf("path = %q", p)
	}
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestProxy_ErrorHandler(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		body string
	}{
		{"refused", errors.New("connection refused"), http.StatusBadGateway, `{"error":"bad gateway"}`},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, `{"error":"upstream timeout"}`},
		{"net timeout", timeoutErr{}, http.StatusGatewayTimeout, `{"error":"upstream timeout"}`},
		{"body too large", &http.MaxBytesError{Limit: 4}, http.StatusRequestEntityTooLarge, `{"error":"request entity too large"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var failed []string
			h, err := New(Options{
				Name:      "api",
				Target:    "http://127.0.0.1:1",
				Timeout:   time.Second,
				Transport: failingTransport{err: tc.err},
				OnError:   func(n string) { failed = append(failed, n) },
			})
			if err != nil {
				t.Fatal(err)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			if rec.Code != tc.want || rec.Body.String() != tc.body {
				t.Fatalf("got %d %q, want %d %q", rec.Code, rec.Body.String(), tc.want, tc.body)
			}
			if len(failed) != 1 || failed[0] != "api" {
				t.Fatalf("OnError calls = %v", failed)
			}
		})
	}
}
