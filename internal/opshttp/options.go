package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-edge/internal/health"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. a prometheus counter.

	// Filter backs POST /-/evaluate. nil disables the auth function there;
	// rum needs no profile and is always available.
	Filter httpmw.FilterSource

	// ProfileInfo adds X-Edge-Variant / X-Edge-Profile to admin responses.
	ProfileInfo httpmw.ProfileInfo
}
