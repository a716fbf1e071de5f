package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/health"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

const (
	healthPath = "/-/healthy"
	readyPath  = "/-/ready"
)

// NewHandler builds the public handler: edge functions in front of the
// upstream proxies, plus health routes. main() owns *http.Server so it can
// shut down gracefully.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	prefix := opts.APIPrefix
	if prefix == "" {
		prefix = edge.DefaultStripPrefix
	}

	r := chi.NewRouter()

	// only our own JSON errors; upstream bodies arrive already encoded or not at all
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	r.Get(healthPath, health.HealthzHandler(opts.Health))
	r.Get(readyPath, health.ReadyzHandler(opts.Readiness))

	if opts.API != nil {
		api := httpmw.Chain(opts.API,
			httpmw.Scope("api"),
			httpmw.EdgeAuth(opts.Auth),
			httpmw.MaxBody(opts.MaxBodyBytes),
		)
		r.Handle(prefix, api)
		r.Handle(prefix+"/*", api)
	}

	if opts.RUM != nil {
		r.Handle(edge.RUMPrefix+"*", httpmw.Chain(opts.RUM,
			httpmw.Scope("rum"),
			httpmw.RUMPath(opts.OnRUMRewrite),
			httpmw.MaxBody(opts.MaxBodyBytes),
		))
	}

	r.NotFound(jsonError(http.StatusNotFound, "not found"))
	r.MethodNotAllowed(jsonError(http.StatusMethodNotAllowed, "method not allowed"))

	// wrapping order below is innermost first
	var h http.Handler = r

	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	if opts.ProfileInfo != nil {
		h = httpmw.ProfileHeaders(opts.ProfileInfo)(h)
	}

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthPath && r.URL.Path != readyPath
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern
			return r.Method + " " + r.URL.Path
		}),
		// the CDN is not part of our trace, start a new root and link
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// rate limit before any filter work, on the resolved client IP
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}
	h = httpmw.ClientIP(opts.ClientIPOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	// outermost so every response carries them, 401s and 5xx included
	h = httpmw.SecurityHeaders(h)

	return h
}

func jsonError(status int, msg string) http.HandlerFunc {
	body := []byte(`{"error":"` + msg + `"}`)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 64 << 10
)

func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the public listener. Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts), opts.WriteTimeout)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(xerrors.Wrapf(err, "listen on %s", addr))
	}

	L := opts.Logger
	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
