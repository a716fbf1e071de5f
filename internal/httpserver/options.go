package httpserver

import (
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/health"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// ProfileInfo adds X-Edge-Variant / X-Edge-Profile to responses. nil
	// keeps the active profile off public responses.
	ProfileInfo httpmw.ProfileInfo

	// APIPrefix routes {prefix} and {prefix}/* through the auth filter to API.
	APIPrefix string
	API       http.Handler
	Auth      httpmw.EdgeAuthOptions

	// RUM receives /rum/* beacons after path normalisation. nil disables the route.
	RUM          http.Handler
	OnRUMRewrite func()

	// MaxBodyBytes caps forwarded request bodies, 0 disables.
	MaxBodyBytes int64

	// WriteTimeout must cover the upstream round trip. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
}
