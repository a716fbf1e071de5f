package httpmw

import (
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

// FilterSource returns the filter in force for the current request. The
// profile manager implements it so a profile swap applies to the next request.
type FilterSource interface {
	Filter() *edge.Filter
}

type staticFilter struct{ f *edge.Filter }

func (s staticFilter) Filter() *edge.Filter { return s.f }

// StaticFilter is a FilterSource that always returns f.
func StaticFilter(f *edge.Filter) FilterSource { return staticFilter{f: f} }

type EdgeAuthOptions struct {
	Source FilterSource

	// OnReject is called for every 401, with the reason (missing|scheme).
	OnReject func(reason edge.RejectReason)

	// OnForward is called for every request passed upstream.
	OnForward func()
}

// EdgeAuth runs the edge filter against the request. Rejected requests get
// the filter's 401 and never reach next; accepted requests reach next with
// the rewritten path and relayed headers.
func EdgeAuth(opts EdgeAuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var f *edge.Filter
			if opts.Source != nil {
				f = opts.Source.Filter()
			}
			if f == nil {
				// no profile loaded, fail closed
				f = &edge.Filter{}
			}
			mode := f.Options().HeaderCase

			in := toEdgeRequest(r, mode)
			res := f.Process(in)

			span := trace.SpanFromContext(ctx)
			if res.Rejected() {
				if span.IsRecording() {
					span.SetAttributes(
						attribute.String("edge.auth.result", "rejected"),
						attribute.String("edge.auth.reason", string(res.Reason)),
					)
				}
				log.FromContext(ctx).Debug(ctx, "edge auth rejected request", "reason", string(res.Reason))
				if opts.OnReject != nil {
					opts.OnReject(res.Reason)
				}
				writeEdgeResponse(w, res.Response)
				return
			}

			if span.IsRecording() {
				span.SetAttributes(
					attribute.String("edge.auth.result", "forwarded"),
					attribute.String("edge.header_case", string(mode)),
				)
			}
			applyEdgeRequest(r, in, *res.Request)
			if opts.OnForward != nil {
				opts.OnForward()
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RUMPath rewrites /rum/... beacon paths before they are forwarded.
// onRewrite, if set, is called when the path changed.
func RUMPath(onRewrite func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			from := r.URL.EscapedPath()
			out := edge.NormalizeRUM(edge.Request{URI: from})
			if out.URI != from {
				setEscapedPath(r.URL, out.URI)
				if onRewrite != nil {
					onRewrite()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// toEdgeRequest presents r the way the CDN presents a viewer request: one
// value per header, names lower-cased when the platform normalises them.
func toEdgeRequest(r *http.Request, mode edge.CaseMode) edge.Request {
	h := make(edge.Headers, len(r.Header))
	for name, vals := range r.Header {
		if len(vals) == 0 {
			continue
		}
		if mode == edge.CaseLowerOnly {
			name = strings.ToLower(name)
		}
		h[name] = edge.Header{Value: vals[0]}
	}
	return edge.Request{URI: r.URL.EscapedPath(), Headers: h}
}

// applyEdgeRequest copies the filter's changes onto r. Headers the filter
// did not touch keep all of their values; a header it wrote ends up with
// exactly the value it wrote, as assignment does on the CDN.
func applyEdgeRequest(r *http.Request, before, after edge.Request) {
	for name := range before.Headers {
		if _, ok := after.Headers[name]; !ok {
			r.Header.Del(name)
		}
	}
	for name, v := range after.Headers {
		if b, ok := before.Headers[name]; ok && b.Value == v.Value && len(r.Header.Values(name)) == 1 {
			continue
		}
		r.Header.Set(name, v.Value)
	}
	if after.URI != before.URI {
		setEscapedPath(r.URL, after.URI)
	}
}

func setEscapedPath(u *url.URL, escaped string) {
	p, err := url.PathUnescape(escaped)
	if err != nil {
		// keep going with the raw form rather than failing the request
		u.Path, u.RawPath = escaped, ""
		return
	}
	u.Path, u.RawPath = p, ""
	// keep the client's encoding when it differs from the default one
	if u.EscapedPath() != escaped {
		u.RawPath = escaped
	}
}

func writeEdgeResponse(w http.ResponseWriter, resp *edge.Response) {
	for name, v := range resp.Headers {
		w.Header().Set(name, v.Value)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(`{"error":"` + strings.ToLower(resp.StatusDescription) + `"}`))
}
