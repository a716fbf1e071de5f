package edge

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// CaseMode selects how the authorization header is looked up.
type CaseMode string

const (
	// CaseExact accepts either "authorization" or "Authorization".
	CaseExact CaseMode = "exact"
	// CaseLowerOnly accepts only "authorization", for platforms that
	// lower-case header names before the function sees them.
	CaseLowerOnly CaseMode = "lowercase"
)

const (
	DefaultStripPrefix = "/trpc"
	DefaultRelayHeader = "auth-token"
)

// Options parameterises a Filter.
type Options struct {
	HeaderCase CaseMode

	// RelayHeader, when set, receives the validated authorization value and
	// the original header is removed. Needed where the platform strips
	// Authorization before forwarding to the origin.
	RelayHeader string

	// StripPrefix is removed from the start of the URI. Empty disables the rewrite.
	StripPrefix string
}

// VariantDirect leaves Authorization in place for the upstream.
func VariantDirect() Options {
	return Options{HeaderCase: CaseExact, StripPrefix: DefaultStripPrefix}
}

// VariantRelay relays the credential through auth-token.
func VariantRelay() Options {
	return Options{
		HeaderCase:  CaseLowerOnly,
		RelayHeader: DefaultRelayHeader,
		StripPrefix: DefaultStripPrefix,
	}
}

// Variant returns the preset for a variant name ("direct" or "relay").
func Variant(name string) (Options, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "direct":
		return VariantDirect(), nil
	case "relay":
		return VariantRelay(), nil
	default:
		return Options{}, fmt.Errorf("unknown filter variant %q (valid variants are direct|relay)", name)
	}
}

// Validate checks the option set is usable.
func (o Options) Validate() error {
	switch o.HeaderCase {
	case CaseExact, CaseLowerOnly:
	default:
		return fmt.Errorf("unknown header case mode %q", o.HeaderCase)
	}
	if o.RelayHeader != "" {
		if !httpguts.ValidHeaderFieldName(o.RelayHeader) {
			return fmt.Errorf("relay header %q is not a valid header name", o.RelayHeader)
		}
		if strings.EqualFold(o.RelayHeader, "authorization") {
			return fmt.Errorf("relay header cannot be authorization")
		}
		// platforms in relay mode only deliver lower-cased names
		if o.RelayHeader != strings.ToLower(o.RelayHeader) {
			return fmt.Errorf("relay header %q must be lower case", o.RelayHeader)
		}
	}
	if o.StripPrefix != "" && !strings.HasPrefix(o.StripPrefix, "/") {
		return fmt.Errorf("strip prefix %q must start with /", o.StripPrefix)
	}
	return nil
}

// Filter validates the bearer credential and rewrites API requests.
// The zero value behaves like VariantDirect without a path rewrite.
type Filter struct {
	opts Options
}

// NewFilter returns a Filter for opts.
func NewFilter(opts Options) (*Filter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Filter{opts: opts}, nil
}

// Options returns the filter's option set.
func (f *Filter) Options() Options { return f.opts }

// Process runs the auth check, header relay and path rewrite in that order.
// req is not modified.
func (f *Filter) Process(req Request) Result {
	key, auth, ok := f.lookupAuth(req.Headers)
	if !ok {
		return reject(ReasonMissing)
	}
	if !HasBearer(auth.Value) {
		return reject(ReasonScheme)
	}

	out := req.clone()
	if f.opts.RelayHeader != "" {
		out.Headers[f.opts.RelayHeader] = Header{Value: auth.Value}
		delete(out.Headers, key)
	}
	out.URI = StripPrefix(out.URI, f.opts.StripPrefix)
	return forward(out)
}

func (f *Filter) lookupAuth(h Headers) (string, Header, bool) {
	if v, ok := h["authorization"]; ok {
		return "authorization", v, true
	}
	if f.opts.HeaderCase == CaseLowerOnly {
		return "", Header{}, false
	}
	if v, ok := h["Authorization"]; ok {
		return "Authorization", v, true
	}
	return "", Header{}, false
}

// StripPrefix removes prefix from the start of uri once and guarantees the
// result is absolute. An empty prefix only enforces the leading slash.
func StripPrefix(uri, prefix string) string {
	if prefix != "" {
		uri = strings.TrimPrefix(uri, prefix)
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return uri
}
