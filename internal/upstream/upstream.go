// Package upstream forwards requests that passed the edge functions to their
// origin. The path is whatever the edge functions left on the request; only
// scheme and host change.
package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

type Options struct {
	// Name labels logs, spans and metrics (api, rum).
	Name string

	// Target is the origin, e.g. http://127.0.0.1:3000. A path on the target
	// is prepended to the forwarded path.
	Target string

	// Timeout bounds the wait for response headers.
	Timeout time.Duration

	// Transport overrides the default pooled transport, used by tests.
	Transport http.RoundTripper

	// OnError is called for every failed round trip.
	OnError func(name string)
}

// New returns a handler that proxies to opts.Target.
func New(opts Options) (http.Handler, error) {
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream %s target", opts.Name)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, xerrors.Newf("upstream %s target %q must be an http(s) origin", opts.Name, opts.Target)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = newTransport(opts.Timeout)
	}

	name := opts.Name
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// keep the inbound chain; ClientIP already dropped it when the
			// peer is not a trusted proxy
			if prior := pr.In.Header["X-Forwarded-For"]; len(prior) > 0 {
				pr.Out.Header["X-Forwarded-For"] = prior
			}
			pr.SetXForwarded()
		},
		Transport: otelhttp.NewTransport(base,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "upstream " + name + " " + r.Method
			}),
		),
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if opts.OnError != nil {
				opts.OnError(name)
			}
			status := statusFor(err)
			ctx := r.Context()
			log.FromContext(ctx).Error(ctx, err, "upstream request failed",
				"upstream", name,
				"http.response.status_code", status,
			)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"` + errorText(status) + `"}`))
		},
	}
	return rp, nil
}

func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
}

func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
}

func errorText(status int) string {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return "request entity too large"
	case http.StatusGatewayTimeout:
		return "upstream timeout"
	default:
		return "bad gateway"
	}
}
