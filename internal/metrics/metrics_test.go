package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/version"
)

func TestNew_ScrapeServesRegisteredMetrics(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_requests_rate_limited_total",
		"profiling_active",
		"edge_profile_watcher_stale",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	m1, m2 := New(), New()
	m1.IncHttpPanic()
	m1.IncHttpPanic()

	if v := counterValue(t, m1.reg, "http_panic_total", nil); v != 2 {
		t.Fatalf("m1 panics = %f, want 2", v)
	}
	if v := counterValue(t, m2.reg, "http_panic_total", nil); v != 0 {
		t.Fatalf("m2 panics = %f, want 0", v)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("server", version.Info{
		AppName:   "linnemanlabs-edge",
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildId:   "build-42",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info not found")
	}
	labels := labelMap(f.GetMetric()[0])
	want := map[string]string{
		"app":        "linnemanlabs-edge",
		"component":  "server",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, labels[k], v)
		}
	}

	m2 := New()
	m2.SetBuildInfoFromVersion("server", version.Info{})
	if got := labelMap(gatherMetric(t, m2.reg, "build_info").GetMetric()[0])["vcs_dirty"]; got != "unknown" {
		t.Fatalf("vcs_dirty = %q, want unknown", got)
	}
}

func TestEdgeCounters(t *testing.T) {
	m := New()
	m.EdgeRejected(edge.ReasonMissing)
	m.EdgeRejected(edge.ReasonMissing)
	m.EdgeRejected(edge.ReasonScheme)
	m.EdgeForwarded()
	m.PathRewritten("auth")
	m.PathRewritten("rum")
	m.PathRewritten("rum")
	m.IncUpstreamError("api")

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"edge_auth_decisions_total", map[string]string{"result": "rejected", "reason": "missing"}, 2},
		{"edge_auth_decisions_total", map[string]string{"result": "rejected", "reason": "scheme"}, 1},
		{"edge_auth_decisions_total", map[string]string{"result": "forwarded", "reason": ""}, 1},
		{"edge_path_rewrites_total", map[string]string{"function": "rum"}, 2},
		{"edge_path_rewrites_total", map[string]string{"function": "auth"}, 1},
		{"edge_upstream_errors_total", map[string]string{"upstream": "api"}, 1},
	}
	for _, tc := range tests {
		if got := counterValue(t, m.reg, tc.name, tc.labels); got != tc.want {
			t.Errorf("%s%v = %f, want %f", tc.name, tc.labels, got, tc.want)
		}
	}
}

func TestSetProfile_ReplacesPrevious(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)
	m.SetProfile("direct", "exact", "", "flags", "aaa", at)
	m.SetProfile("relay", "lowercase", "auth-token", "ssm", "bbb", at)

	f := gatherMetric(t, m.reg, "edge_profile_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatalf("edge_profile_info should have exactly one series")
	}
	labels := labelMap(f.GetMetric()[0])
	if labels["variant"] != "relay" || labels["relay"] != "auth-token" || labels["source"] != "ssm" {
		t.Fatalf("labels = %v", labels)
	}
	if v := gatherMetric(t, m.reg, "edge_profile_loaded_timestamp_seconds").GetMetric()[0].GetGauge().GetValue(); v != 1700000000 {
		t.Fatalf("loaded timestamp = %f", v)
	}
}

func TestWatcherMetrics(t *testing.T) {
	m := New()
	m.IncProfilePolls()
	m.IncProfilePolls()
	m.IncProfileSwaps()
	m.IncProfileError("fetch")
	m.SetProfileLastSuccess(42)
	m.SetProfileStale(true)
	m.SetProfilingActive(true)
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"edge_profile_watcher_polls_total", nil, 2},
		{"edge_profile_watcher_swaps_total", nil, 1},
		{"edge_profile_watcher_errors_total", map[string]string{"kind": "fetch"}, 1},
		{"http_requests_rate_limited_total", nil, 1},
		{"http_requests_rate_limited_capacity_total", nil, 1},
	}
	for _, c := range checks {
		if got := counterValue(t, m.reg, c.name, c.labels); got != c.want {
			t.Errorf("%s = %f, want %f", c.name, got, c.want)
		}
	}
	for name, want := range map[string]float64{
		"edge_profile_watcher_last_success_timestamp_seconds": 42,
		"edge_profile_watcher_stale":                          1,
		"profiling_active":                                    1,
	} {
		if got := gatherMetric(t, m.reg, name).GetMetric()[0].GetGauge().GetValue(); got != want {
			t.Errorf("%s = %f, want %f", name, got, want)
		}
	}
}

// helpers

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// counterValue returns the counter matching all labels; 0 when absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		got := labelMap(m)
		match := true
		for k, v := range labels {
			if got[k] != v {
				match = false
				break
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}
