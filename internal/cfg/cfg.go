// Package cfg holds the process configuration: flags with inline defaults,
// filled from LMEDGE_* environment variables, validated as a whole.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names: -http-port reads LMEDGE_HTTP_PORT.
const EnvPrefix = "LMEDGE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	EnableTracing bool
	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSample   float64

	TrustedProxyHops int
	RateLimitRPS     float64
	RateLimitBurst   int

	UpstreamAPI     string
	UpstreamRUM     string
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64

	APIPrefix   string
	Variant     string
	RelayHeader string
	StripPrefix string

	ExposeProfileHeaders bool

	ProfileSSMParam     string
	ProfileS3Bucket     string
	ProfileS3Key        string
	ProfilePollInterval time.Duration
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof (on admin port only)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the OTLP endpoint (local collector)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 2, "proxies appending to X-Forwarded-For in front of us (CDN + LB = 2)")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 20, "per-client refill rate, requests per second (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 60, "per-client burst")

	fs.StringVar(&c.UpstreamAPI, "upstream-api", "http://127.0.0.1:3000", "API origin requests are forwarded to after the auth filter")
	fs.StringVar(&c.UpstreamRUM, "upstream-rum", "", "RUM collector origin for /rum/ beacons (empty disables the route)")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", 30*time.Second, "upstream response header timeout")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max request body forwarded upstream (0 disables)")

	fs.StringVar(&c.APIPrefix, "api-prefix", edge.DefaultStripPrefix, "path prefix routed through the auth filter")
	fs.StringVar(&c.Variant, "variant", "direct", "auth filter variant: direct|relay")
	fs.StringVar(&c.RelayHeader, "relay-header", "", "override the relay header of the variant (lower case)")
	fs.StringVar(&c.StripPrefix, "strip-prefix", "", "override the path prefix the filter strips (default: the variant's)")
	fs.BoolVar(&c.ExposeProfileHeaders, "expose-profile-headers", false, "add X-Edge-Variant/X-Edge-Profile to public responses (the admin port always reports them)")

	fs.StringVar(&c.ProfileSSMParam, "profile-ssm-param", "", "SSM parameter holding the edge profile JSON (overrides -variant at runtime)")
	fs.StringVar(&c.ProfileS3Bucket, "profile-s3-bucket", "", "S3 bucket holding the edge profile JSON")
	fs.StringVar(&c.ProfileS3Key, "profile-s3-key", "", "S3 key of the edge profile JSON")
	fs.DurationVar(&c.ProfilePollInterval, "profile-poll-interval", 30*time.Second, "how often to poll the profile source")
}

// FillFromEnv sets any flag not passed on the CLI from PREFIX_FLAG_NAME.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// HasProfileSource reports whether a remote profile source is configured.
func (c App) HasProfileSource() bool {
	return c.ProfileSSMParam != "" || c.ProfileS3Bucket != "" || c.ProfileS3Key != ""
}

// RelayOverride and StripOverride return nil when the flag was left empty so
// the variant preset applies.
func (c App) RelayOverride() *string { return nonEmpty(c.RelayHeader) }
func (c App) StripOverride() *string { return nonEmpty(c.StripPrefix) }

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Validate returns every invalid field joined into one error, or nil.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// the gRPC exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0 (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting (got %d)", c.RateLimitBurst))
	}

	if err := validOrigin(c.UpstreamAPI); err != nil {
		errs = append(errs, fmt.Errorf("UPSTREAM_API: %w", err))
	}
	if c.UpstreamRUM != "" {
		if err := validOrigin(c.UpstreamRUM); err != nil {
			errs = append(errs, fmt.Errorf("UPSTREAM_RUM: %w", err))
		}
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be > 0 (got %s)", c.UpstreamTimeout))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes))
	}

	if !validPrefix(c.APIPrefix) || c.APIPrefix == "/" || strings.HasSuffix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("API_PREFIX must look like /name (got %q)", c.APIPrefix))
	}
	if _, err := edge.Variant(c.Variant); err != nil {
		errs = append(errs, fmt.Errorf("VARIANT: %w", err))
	}
	if c.RelayHeader != "" {
		if !httpguts.ValidHeaderFieldName(c.RelayHeader) || c.RelayHeader != strings.ToLower(c.RelayHeader) {
			errs = append(errs, fmt.Errorf("RELAY_HEADER must be a lower-case header name (got %q)", c.RelayHeader))
		} else if c.RelayHeader == "authorization" {
			errs = append(errs, fmt.Errorf("RELAY_HEADER cannot be authorization"))
		}
	}
	if c.StripPrefix != "" && !validPrefix(c.StripPrefix) {
		errs = append(errs, fmt.Errorf("STRIP_PREFIX must start with / (got %q)", c.StripPrefix))
	}

	if (c.ProfileS3Bucket == "") != (c.ProfileS3Key == "") {
		errs = append(errs, fmt.Errorf("PROFILE_S3_BUCKET and PROFILE_S3_KEY must be set together"))
	}
	if c.HasProfileSource() && c.ProfilePollInterval < time.Second {
		errs = append(errs, fmt.Errorf("PROFILE_POLL_INTERVAL must be >= 1s (got %s)", c.ProfilePollInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validPrefix(p string) bool { return strings.HasPrefix(p, "/") }

func validOrigin(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host missing (got %q)", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must not carry a query or fragment (got %q)", raw)
	}
	return nil
}
