package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet and parses args.
func newTestConfig(t *testing.T, args []string) (App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func TestRegister_DefaultsAreValid(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.Variant != "direct" || c.APIPrefix != "/trpc" {
		t.Fatalf("edge defaults = %q %q", c.Variant, c.APIPrefix)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 || !c.LogJSON {
		t.Fatalf("server defaults = %d %d %v", c.HTTPPort, c.AdminPort, c.LogJSON)
	}
	if c.HasProfileSource() {
		t.Fatal("no profile source by default")
	}
	if c.RelayOverride() != nil || c.StripOverride() != nil {
		t.Fatal("overrides should be nil by default")
	}
}

func TestRegister_EdgeFlags(t *testing.T) {
	c, fs := newTestConfig(t, nil)
	// the RUM route is fixed to what the normaliser strips
	if fs.Lookup("rum-prefix") != nil {
		t.Fatal("rum-prefix should not be configurable")
	}
	if c.ExposeProfileHeaders {
		t.Fatal("profile headers must be off for public responses by default")
	}
	c, _ = newTestConfig(t, []string{"-expose-profile-headers"})
	if !c.ExposeProfileHeaders {
		t.Fatal("-expose-profile-headers not applied")
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("LMEDGE_VARIANT", "relay")
	t.Setenv("LMEDGE_HTTP_PORT", "not-a-number")
	t.Setenv("LMEDGE_LOG_LEVEL", "debug")
	t.Setenv("LMEDGE_PROFILE_POLL_INTERVAL", "1m")

	c, fs := newTestConfig(t, []string{"-log-level=warn"})
	var msgs []string
	FillFromEnv(fs, EnvPrefix, func(f string, a ...any) { msgs = append(msgs, f) })

	if c.Variant != "relay" {
		t.Errorf("Variant = %q, want relay from env", c.Variant)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default kept on invalid env", c.HTTPPort)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, cli should win over env", c.LogLevel)
	}
	if c.ProfilePollInterval != time.Minute {
		t.Errorf("ProfilePollInterval = %s", c.ProfilePollInterval)
	}
	if len(msgs) != 2 {
		t.Errorf("log messages = %d, want 2 (override + invalid)", len(msgs))
	}
}

func TestOverrides(t *testing.T) {
	c, _ := newTestConfig(t, []string{"-relay-header=x-token", "-strip-prefix=/api"})
	if r := c.RelayOverride(); r == nil || *r != "x-token" {
		t.Fatalf("RelayOverride = %v", r)
	}
	if s := c.StripOverride(); s == nil || *s != "/api" {
		t.Fatalf("StripOverride = %v", s)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"port range", []string{"-http-port=0"}, "HTTP_PORT"},
		{"same ports", []string{"-admin-port=8080"}, "must differ"},
		{"log level", []string{"-log-level=loud"}, "LOG_LEVEL"},
		{"error links", []string{"-max-error-links=0"}, "MAX_ERROR_LINKS"},
		{"sample", []string{"-trace-sample=2"}, "TRACE_SAMPLE"},
		{"pyro server", []string{"-enable-pyroscope", "-pyro-tenant=t"}, "PYRO_SERVER required"},
		{"pyro url", []string{"-enable-pyroscope", "-pyro-server=pyro:4040", "-pyro-tenant=t"}, "must be a URL"},
		{"pyro tenant", []string{"-enable-pyroscope", "-pyro-server=http://pyro:4040"}, "PYRO_TENANT"},
		{"otlp missing", []string{"-enable-tracing"}, "OTLP_ENDPOINT required"},
		{"otlp scheme", []string{"-enable-tracing", "-otlp-endpoint=http://collector:4317"}, "host:port"},
		{"hops", []string{"-trusted-proxy-hops=-1"}, "TRUSTED_PROXY_HOPS"},
		{"burst", []string{"-rate-limit-burst=0"}, "RATE_LIMIT_BURST"},
		{"upstream scheme", []string{"-upstream-api=ftp://api"}, "UPSTREAM_API"},
		{"upstream empty", []string{"-upstream-api="}, "UPSTREAM_API: required"},
		{"upstream query", []string{"-upstream-api=http://api?x=1"}, "query"},
		{"rum upstream", []string{"-upstream-rum=collector"}, "UPSTREAM_RUM"},
		{"timeout", []string{"-upstream-timeout=0s"}, "UPSTREAM_TIMEOUT"},
		{"api prefix", []string{"-api-prefix=trpc"}, "API_PREFIX"},
		{"api prefix slash", []string{"-api-prefix=/trpc/"}, "API_PREFIX"},
		{"variant", []string{"-variant=both"}, "VARIANT"},
		{"relay case", []string{"-relay-header=Auth-Token"}, "RELAY_HEADER"},
		{"relay invalid", []string{"-relay-header=auth token"}, "RELAY_HEADER"},
		{"relay authorization", []string{"-relay-header=authorization"}, "cannot be authorization"},
		{"strip prefix", []string{"-strip-prefix=api"}, "STRIP_PREFIX"},
		{"s3 pair", []string{"-profile-s3-bucket=b"}, "set together"},
		{"poll interval", []string{"-profile-ssm-param=/p", "-profile-poll-interval=10ms"}, "PROFILE_POLL_INTERVAL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestConfig(t, tc.args)
			wantErrContains(t, Validate(c), tc.want)
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	c, _ := newTestConfig(t, []string{"-http-port=0", "-variant=x", "-trace-sample=-1"})
	err := Validate(c)
	for _, sub := range []string{"HTTP_PORT", "VARIANT", "TRACE_SAMPLE"} {
		wantErrContains(t, err, sub)
	}
}

func TestValidate_ProfileSources(t *testing.T) {
	for _, args := range [][]string{
		{"-profile-ssm-param=/edge/profile"},
		{"-profile-s3-bucket=b", "-profile-s3-key=edge/profile.json"},
	} {
		c, _ := newTestConfig(t, args)
		if err := Validate(c); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !c.HasProfileSource() {
			t.Fatalf("%v: HasProfileSource = false", args)
		}
	}
}
