package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/keithlinneman/linnemanlabs-edge/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-edge/internal/health"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-edge/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-edge/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-edge/internal/prof"
	"github.com/keithlinneman/linnemanlabs-edge/internal/profile"
	"github.com/keithlinneman/linnemanlabs-edge/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-edge/internal/upstream"
	v "github.com/keithlinneman/linnemanlabs-edge/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "edge")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"rate_limit_rps", conf.RateLimitRPS,
		"rate_limit_burst", conf.RateLimitBurst,
		"upstream_api", conf.UpstreamAPI,
		"upstream_rum", conf.UpstreamRUM,
		"api_prefix", conf.APIPrefix,
		"variant", conf.Variant,
		"profile_ssm_param", conf.ProfileSSMParam,
		"profile_s3_bucket", conf.ProfileS3Bucket,
		"profile_s3_key", conf.ProfileS3Key,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "edge",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "edge",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion("edge", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// profile manager holds the filter in force; flags seed it so we can
	// serve without a remote profile source
	profileMgr := profile.NewManager()
	seed, err := profile.FromVariant(conf.Variant, conf.RelayOverride(), conf.StripOverride())
	if err != nil {
		L.Error(ctx, err, "invalid edge profile from flags")
		os.Exit(1)
	}
	profileMgr.Set(seed)

	recordProfile := func(p *profile.Profile) {
		m.SetProfile(p.Variant, string(p.Options.HeaderCase), p.Options.RelayHeader, string(p.Source), p.Hash, p.LoadedAt)
	}

	if conf.HasProfileSource() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		loader, err := profile.NewLoader(profile.LoaderOptions{
			Logger:    L,
			SSMParam:  conf.ProfileSSMParam,
			S3Bucket:  conf.ProfileS3Bucket,
			S3Key:     conf.ProfileS3Key,
			AWSConfig: awsCfg,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create profile loader")
			os.Exit(1)
		}
		if err := loader.LoadIntoManager(ctx, profileMgr); err != nil {
			// keep serving on the flag profile, the watcher retries
			L.Error(ctx, err, "failed to load edge profile, using flags until the watcher succeeds",
				"source", string(loader.Source()),
				"location", loader.Location(),
			)
		}

		watcher := profile.NewWatcher(profile.WatcherOptions{
			Logger:       L,
			Source:       loader,
			Manager:      profileMgr,
			PollInterval: conf.ProfilePollInterval,
			Metrics:      m,
			OnSwap:       recordProfile,
		})
		go func() { _ = watcher.Run(ctx) }()
	}
	if p, ok := profileMgr.Get(); ok {
		recordProfile(p)
		L.Info(ctx, "edge profile in force", "profile", p.String())
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once draining has not started and a profile is loaded
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(context.Context) error {
			return profileMgr.ReadyErr()
		}),
	)

	// per-client rate limit in front of the filter
	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) {
				m.IncRateLimitDenied()
			}),
			// only log the first time a client is denied each time it is cleaned from the bucket
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, new clients share the overflow bucket")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	apiProxy, err := upstream.New(upstream.Options{
		Name:    "api",
		Target:  conf.UpstreamAPI,
		Timeout: conf.UpstreamTimeout,
		OnError: m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create api upstream")
		os.Exit(1)
	}
	var rumProxy http.Handler
	if conf.UpstreamRUM != "" {
		rumProxy, err = upstream.New(upstream.Options{
			Name:    "rum",
			Target:  conf.UpstreamRUM,
			Timeout: conf.UpstreamTimeout,
			OnError: m.IncUpstreamError,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create rum upstream")
			os.Exit(1)
		}
	}

	// variant and profile hash stay off public responses unless asked for
	var publicProfileInfo httpmw.ProfileInfo
	if conf.ExposeProfileHeaders {
		publicProfileInfo = profileMgr
	}

	// start public http server
	edgeHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ProfileInfo:  publicProfileInfo,
		APIPrefix:    conf.APIPrefix,
		API:          apiProxy,
		Auth: httpmw.EdgeAuthOptions{
			Source:    profileMgr,
			OnReject:  m.EdgeRejected,
			OnForward: m.EdgeForwarded,
		},
		RUM:          rumProxy,
		OnRUMRewrite: func() { m.PathRewritten("rum") },
		MaxBodyBytes: conf.MaxBodyBytes,
		// headers must arrive within UpstreamTimeout, leave room for the body
		WriteTimeout: conf.UpstreamTimeout + 30*time.Second,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start edge http listener")
		os.Exit(1)
	}
	defer func() { _ = edgeHTTPStop(context.Background()) }()

	// admin listener: metrics, health, pprof and the edge function evaluator.
	// sg restricts inbound to internal monitoring infrastructure, the handler
	// also rejects public peers and proxied requests
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Filter:       profileMgr,
		ProfileInfo:  profileMgr,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining for 30s")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 15*time.Second)
	defer cancel()

	if err := edgeHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "edge http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
